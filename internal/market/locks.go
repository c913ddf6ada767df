package market

import "sync"

// lockRegistry hands out one mutex per stock ID. All mutations to a stock
// are serialized through its mutex; mutations to different stocks proceed in
// parallel. Batch operations lock one stock at a time, never the registry
// as a whole.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the stock's mutex and returns the unlock function.
func (r *lockRegistry) acquire(stockID string) func() {
	r.mu.Lock()
	m, ok := r.locks[stockID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[stockID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// release drops the mutex for a removed stock. Safe to call while no one
// holds it; a delisted stock ID is never mutated again.
func (r *lockRegistry) release(stockID string) {
	r.mu.Lock()
	delete(r.locks, stockID)
	r.mu.Unlock()
}
