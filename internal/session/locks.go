// internal/session/locks.go
package session

import "sync"

// lockTable hands out one mutex per lobby id. It serializes the operations
// that touch the winner decision, draw history, and phase fields within this
// process; cross-process safety additionally relies on the store's SETNX /
// HSETNX guards.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) get(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// drop forgets a finished lobby's mutex. Goroutines still holding the old
// pointer keep serializing among themselves; any later taker re-checks the
// lobby phase before mutating.
func (t *lockTable) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, id)
}
