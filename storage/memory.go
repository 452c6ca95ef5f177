package storage

import (
	"sort"
	"sync"
)

type memoryEntry struct {
	value      []byte
	protection ProtectionLevel
}

// Memory is an in-memory SecretStore used by tests and by callers
// that explicitly opt out of on-disk persistence.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[string]memoryEntry
}

// NewMemory creates an empty in-memory secret store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[string]memoryEntry)}
}

// Load implements SecretStore.
func (m *Memory) Load(key, namespace string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[namespace][key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Save implements SecretStore.
func (m *Memory) Save(key string, value []byte, namespace string, protection ProtectionLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[namespace] == nil {
		m.entries[namespace] = make(map[string]memoryEntry)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[namespace][key] = memoryEntry{value: stored, protection: protection}
	return nil
}

// Delete implements SecretStore.
func (m *Memory) Delete(key, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[namespace], key)
	return nil
}

// List implements SecretStore.
func (m *Memory) List(namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries[namespace]))
	for key := range m.entries[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
