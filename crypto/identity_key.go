// Package crypto holds the local static identity key, peer identifier
// derivation, and the at-rest sealing used by the secret store.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const staticPrivatePEMType = "X25519 PRIVATE KEY"

var x25519Curve = ecdh.X25519()

// EnsureStaticIdentityKey loads the static X25519 identity key from
// disk, generating it on first run.
func EnsureStaticIdentityKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadStaticIdentityKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate static identity key: %w", err)
	}
	if err := SaveStaticIdentityKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// LoadStaticIdentityKey reads the static identity key from PEM.
func LoadStaticIdentityKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode static identity PEM: no PEM block")
	}
	if block.Type != staticPrivatePEMType {
		return nil, fmt.Errorf("decode static identity PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("decode static identity PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse static identity key: %w", err)
	}

	return privateKey, nil
}

// SaveStaticIdentityKey writes the static identity key PEM file with 0600 permissions.
func SaveStaticIdentityKey(path string, key *ecdh.PrivateKey) error {
	block := &pem.Block{
		Type:  staticPrivatePEMType,
		Bytes: key.Bytes(),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write static identity key: %w", err)
	}

	return nil
}

// ShortPeerID derives the fixed-length hex peer identifier from a
// static public key: the first 16 hex chars of its SHA-256 digest.
func ShortPeerID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// KeyFingerprint returns the full SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
