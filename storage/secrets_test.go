package storage

import (
	"bytes"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func TestSecretSaveLoadDelete(t *testing.T) {
	store := newTestStore(t)

	value := []byte{0x00, 0xff, 0x10, 0x00}
	if err := store.Save("own-static-key", value, "identity", ProtectionWhenUnlocked); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, ok, err := store.Load("own-static-key", "identity")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected entry present")
	}
	if !bytes.Equal(loaded, value) {
		t.Fatalf("value mismatch: got %x want %x", loaded, value)
	}

	if err := store.Delete("own-static-key", "identity"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, err := store.Load("own-static-key", "identity"); err != nil || ok {
		t.Fatalf("expected entry gone, ok=%v err=%v", ok, err)
	}
}

func TestSecretMissingEntry(t *testing.T) {
	store := newTestStore(t)

	value, ok, err := store.Load("missing", "identity")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || value != nil {
		t.Fatalf("expected absent entry, got ok=%v value=%x", ok, value)
	}
}

func TestSecretOverwrite(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save("assoc-fwd-abc", []byte("npub-old"), "identity", ProtectionAfterFirstUnlock); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("assoc-fwd-abc", []byte("npub-new"), "identity", ProtectionAfterFirstUnlock); err != nil {
		t.Fatalf("Save overwrite failed: %v", err)
	}

	loaded, ok, err := store.Load("assoc-fwd-abc", "identity")
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%v err=%v", ok, err)
	}
	if string(loaded) != "npub-new" {
		t.Fatalf("expected overwritten value, got %q", loaded)
	}
}

func TestSecretNamespaceIsolationAndList(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save("k1", []byte("a"), "identity", ProtectionAfterFirstUnlock); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("k2", []byte("b"), "identity", ProtectionAfterFirstUnlock); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("k1", []byte("c"), "wallet", ProtectionAfterFirstUnlock); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	keys, err := store.List("identity")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Fatalf("unexpected identity keys: %v", keys)
	}

	loaded, ok, err := store.Load("k1", "wallet")
	if err != nil || !ok {
		t.Fatalf("Load wallet/k1 failed: ok=%v err=%v", ok, err)
	}
	if string(loaded) != "c" {
		t.Fatalf("namespace leak: got %q", loaded)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LoadSetting("relay-strategy"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing setting, got %v", err)
	}

	if err := store.SaveSetting("relay-strategy", "relay-first"); err != nil {
		t.Fatalf("SaveSetting failed: %v", err)
	}
	value, err := store.LoadSetting("relay-strategy")
	if err != nil {
		t.Fatalf("LoadSetting failed: %v", err)
	}
	if value != "relay-first" {
		t.Fatalf("unexpected setting value %q", value)
	}

	if err := store.SaveSetting("relay-strategy", "queue-only"); err != nil {
		t.Fatalf("SaveSetting overwrite failed: %v", err)
	}
	value, err = store.LoadSetting("relay-strategy")
	if err != nil || value != "queue-only" {
		t.Fatalf("expected overwritten setting, got %q err=%v", value, err)
	}
}

func TestSecretsSurviveReopen(t *testing.T) {
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Save("geohash-seed", []byte("0123456789abcdef0123456789abcdef"), "identity", ProtectionAfterFirstUnlock); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	loaded, ok, err := reopened.Load("geohash-seed", "identity")
	if err != nil || !ok {
		t.Fatalf("Load after reopen failed: ok=%v err=%v", ok, err)
	}
	if string(loaded) != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("seed changed across reopen: %q", loaded)
	}
}
