// Package identity bridges the local mesh cryptographic identity and
// the wallet-network identity of the same logical peer, and derives
// shared group identifiers from geographic location strings.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/storage"
)

const (
	// Namespace groups every identity entry in the secret store.
	Namespace = "identity"

	ownKeyEntry    = "own-static-key"
	seedEntry      = "geohash-seed"
	forwardPrefix  = "assoc-fwd-"
	reversePrefix  = "assoc-rev-"
	groupHashLabel = "bitchat-geohash:"

	seedSize = 32
)

// Bridge maintains the bidirectional mapping between local static key
// identifiers and remote wallet-network identities, backed by a secret
// store with in-memory caches on top.
//
// Re-associating a key overwrites the forward mapping; the previous
// reverse entry is left orphaned. That matches the behavior this core
// was ported from and keeps old inbound identities resolvable.
type Bridge struct {
	store storage.SecretStore
	log   *zap.Logger

	mu       sync.Mutex
	seed     []byte
	groupIDs map[string]string
	forward  map[string]string
	reverse  map[string]string
}

// NewBridge creates a bridge over a secret store.
func NewBridge(store storage.SecretStore, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		store:    store,
		log:      log,
		groupIDs: make(map[string]string),
		forward:  make(map[string]string),
		reverse:  make(map[string]string),
	}
}

// AssociateIdentity records localKeyHex <-> remoteIdentity in both
// directions so either side can be resolved without a scan.
func (b *Bridge) AssociateIdentity(localKeyHex, remoteIdentity string) error {
	if localKeyHex == "" || remoteIdentity == "" {
		return errors.New("identity: local key and remote identity are required")
	}

	if err := b.store.Save(forwardPrefix+localKeyHex, []byte(remoteIdentity), Namespace, storage.ProtectionAfterFirstUnlock); err != nil {
		return fmt.Errorf("save forward association: %w", err)
	}
	if err := b.store.Save(reversePrefix+remoteIdentity, []byte(localKeyHex), Namespace, storage.ProtectionAfterFirstUnlock); err != nil {
		return fmt.Errorf("save reverse association: %w", err)
	}

	b.mu.Lock()
	b.forward[localKeyHex] = remoteIdentity
	b.reverse[remoteIdentity] = localKeyHex
	b.mu.Unlock()

	b.log.Debug("identity associated",
		zap.String("local_key", localKeyHex),
		zap.String("remote_identity", remoteIdentity))
	return nil
}

// RemoteIdentity resolves the wallet-network identity for a local key.
func (b *Bridge) RemoteIdentity(localKeyHex string) (string, bool, error) {
	b.mu.Lock()
	if identity, ok := b.forward[localKeyHex]; ok {
		b.mu.Unlock()
		return identity, true, nil
	}
	b.mu.Unlock()

	value, ok, err := b.store.Load(forwardPrefix+localKeyHex, Namespace)
	if err != nil || !ok {
		return "", false, err
	}

	identity := string(value)
	b.mu.Lock()
	b.forward[localKeyHex] = identity
	b.mu.Unlock()
	return identity, true, nil
}

// LocalKey resolves the local key for a wallet-network identity.
func (b *Bridge) LocalKey(remoteIdentity string) (string, bool, error) {
	b.mu.Lock()
	if key, ok := b.reverse[remoteIdentity]; ok {
		b.mu.Unlock()
		return key, true, nil
	}
	b.mu.Unlock()

	value, ok, err := b.store.Load(reversePrefix+remoteIdentity, Namespace)
	if err != nil || !ok {
		return "", false, err
	}

	key := string(value)
	b.mu.Lock()
	b.reverse[remoteIdentity] = key
	b.mu.Unlock()
	return key, true, nil
}

// StoreOwnKey persists the local static key material.
func (b *Bridge) StoreOwnKey(key []byte) error {
	if len(key) == 0 {
		return errors.New("identity: own key is required")
	}
	return b.store.Save(ownKeyEntry, key, Namespace, storage.ProtectionWhenUnlocked)
}

// OwnKey loads the local static key material.
func (b *Bridge) OwnKey() ([]byte, bool, error) {
	return b.store.Load(ownKeyEntry, Namespace)
}

// DeriveGroupID deterministically maps a geohash to a shared group
// identifier. The result is stable for the lifetime of the device seed
// and cannot be inverted to the geohash without it.
func (b *Bridge) DeriveGroupID(geohash string) (string, error) {
	if geohash == "" {
		return "", errors.New("identity: geohash is required")
	}

	// The read-check-compute-write sequence stays inside one lock so
	// concurrent callers for the same geohash cannot race the cache.
	b.mu.Lock()
	defer b.mu.Unlock()

	if groupID, ok := b.groupIDs[geohash]; ok {
		return groupID, nil
	}

	seed, err := b.seedLocked()
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(groupHashLabel + geohash))
	groupID := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	b.groupIDs[geohash] = groupID
	return groupID, nil
}

// ClearAllAssociations removes every stored association in both
// directions and resets the in-memory caches. The sweep continues past
// individual failures and reports the first one.
func (b *Bridge) ClearAllAssociations() error {
	keys, err := b.store.List(Namespace)
	if err != nil {
		return fmt.Errorf("list identity entries: %w", err)
	}

	var firstErr error
	for _, key := range keys {
		if !strings.HasPrefix(key, forwardPrefix) && !strings.HasPrefix(key, reversePrefix) {
			continue
		}
		if err := b.store.Delete(key, Namespace); err != nil {
			b.log.Warn("delete association failed", zap.String("key", key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	b.mu.Lock()
	b.forward = make(map[string]string)
	b.reverse = make(map[string]string)
	b.groupIDs = make(map[string]string)
	b.mu.Unlock()

	return firstErr
}

func (b *Bridge) seedLocked() ([]byte, error) {
	if b.seed != nil {
		return b.seed, nil
	}

	value, ok, err := b.store.Load(seedEntry, Namespace)
	if err != nil {
		return nil, fmt.Errorf("load geohash seed: %w", err)
	}
	if ok && len(value) == seedSize {
		b.seed = value
		return b.seed, nil
	}

	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate geohash seed: %w", err)
	}
	if err := b.store.Save(seedEntry, seed, Namespace, storage.ProtectionAfterFirstUnlock); err != nil {
		return nil, fmt.Errorf("persist geohash seed: %w", err)
	}

	b.seed = seed
	return b.seed, nil
}
