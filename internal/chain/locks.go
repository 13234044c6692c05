package chain

import (
	"github.com/sasha-s/go-deadlock"
)

// OwnerLocks serializes appends per owner key. Without it two concurrent
// appends may read the same tail and both link to it.
type OwnerLocks struct {
	mu    deadlock.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   deadlock.Mutex
	refs int
}

func NewOwnerLocks() *OwnerLocks {
	return &OwnerLocks{locks: make(map[string]*ownerLock)}
}

// Lock blocks until owner's lock is held and returns its release func.
// Entries are dropped once no goroutine holds or waits on them.
func (l *OwnerLocks) Lock(owner []byte) func() {
	key := string(owner)

	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &ownerLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len reports how many owners currently hold or wait on a lock.
func (l *OwnerLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
