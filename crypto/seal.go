package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const masterKeySize = 32

// Sealer encrypts and decrypts secret-store values with
// ChaCha20-Poly1305 under a key derived from a per-device master key.
type Sealer struct {
	aeadKey []byte
}

// NewSealer derives the sealing key from a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("invalid master key length: got %d want %d", len(masterKey), masterKeySize)
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("bitchat-secret-store"))
	aeadKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, aeadKey); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	return &Sealer{aeadKey: aeadKey}, nil
}

// EnsureMasterKey loads the master key file, generating it on first run.
func EnsureMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != masterKeySize {
			return nil, fmt.Errorf("master key file %q has invalid size %d", path, len(raw))
		}
		return raw, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}

	return key, nil
}

// SealValue encrypts plaintext and returns nonce-prefixed ciphertext.
// The namespace and key participate as associated data so a sealed
// value cannot be replayed under a different store entry.
func (s *Sealer) SealValue(namespace, key string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, entryAAD(namespace, key))
	return sealed, nil
}

// OpenValue decrypts a nonce-prefixed sealed value.
func (s *Sealer) OpenValue(namespace, key string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, entryAAD(namespace, key))
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}

	return plaintext, nil
}

func entryAAD(namespace, key string) []byte {
	return []byte(namespace + "\x00" + key)
}
