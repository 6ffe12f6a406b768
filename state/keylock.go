package state

import "sync"

// KeyMutex provides mutual exclusion scoped to an entity key. The lock is
// intended to be held across the network suspension points of an operation,
// not just around the synchronous state check.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyMutex constructs an empty lock set.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns its release func. Entries are
// reference-counted so the set does not grow with the keyspace.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	entry := k.entries[key]
	if entry == nil {
		entry = &keyLock{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
