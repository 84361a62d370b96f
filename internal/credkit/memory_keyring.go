package credkit

import (
	"context"
	"sync"
)

// MemoryKeyring is an in-memory keyring intended for tests and dev.
type MemoryKeyring struct {
	keyringNotifier
	mutex   sync.Mutex
	entries map[string]string
	closed  bool
}

// NewMemoryKeyring creates an empty in-memory keyring.
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{
		keyringNotifier: newKeyringNotifier(),
		entries:         make(map[string]string),
	}
}

// Put stores the given entries.
func (ring *MemoryKeyring) Put(ctx context.Context, entries map[string]string) error {
	ring.mutex.Lock()
	if ring.closed {
		ring.mutex.Unlock()
		return ErrKeyringClosed
	}
	for entryKey, entryValue := range entries {
		ring.entries[entryKey] = entryValue
	}
	ring.mutex.Unlock()
	ring.notify()
	return nil
}

// Load returns a copy of every stored entry.
func (ring *MemoryKeyring) Load(ctx context.Context) (map[string]string, error) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	if ring.closed {
		return nil, ErrKeyringClosed
	}
	snapshot := make(map[string]string, len(ring.entries))
	for entryKey, entryValue := range ring.entries {
		snapshot[entryKey] = entryValue
	}
	return snapshot, nil
}

// Delete removes the given keys.
func (ring *MemoryKeyring) Delete(ctx context.Context, keys ...string) error {
	ring.mutex.Lock()
	if ring.closed {
		ring.mutex.Unlock()
		return ErrKeyringClosed
	}
	for _, entryKey := range keys {
		delete(ring.entries, entryKey)
	}
	ring.mutex.Unlock()
	ring.notify()
	return nil
}

// Close marks the keyring closed.
func (ring *MemoryKeyring) Close() error {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	ring.closed = true
	return nil
}
