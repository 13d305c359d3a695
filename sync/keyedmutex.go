// ABOUTME: Per-key mutual exclusion for identity-serialized processing
// ABOUTME: Events for the same contact run one at a time; distinct contacts run in parallel
package sync

import gosync "sync"

type keyedMutex struct {
	mu    gosync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   gosync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its unlock function. Entries
// are reference counted so the map does not grow with identity cardinality.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
