package engine

import "sync"

// keyLock serializes work per key. The two pollers' reconciliation
// passes over the same mapping must not interleave, or the watermark
// guard can be bypassed; each pass holds the mapping's lock across
// the full read, decide, apply, watermark-update sequence.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*lockEntry)}
}

// lock acquires the lock for key and returns the matching unlock func.
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
