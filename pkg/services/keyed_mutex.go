package services

import "sync"

// keyedMutex serializes operations sharing a key. The pipeline service
// uses it to close the read-then-write races the storage port cannot:
// per-job locks for pipeline numbering, per-agent locks for the
// assignment cap. Locks are never evicted; the key space (jobs and
// agents) is small and bounded.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
