package escrow

import "sync"

type dealLock struct {
	mu   sync.Mutex
	refs uint // access with dealLocks.mu
}

// dealLocks serialises work per deal id. Entries live only while someone
// holds or waits for them.
type dealLocks struct {
	mu    sync.Mutex
	locks map[DealID]*dealLock
}

func newDealLocks() *dealLocks {
	return &dealLocks{locks: make(map[DealID]*dealLock)}
}

func (l *dealLocks) lock(id DealID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &dealLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *dealLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
