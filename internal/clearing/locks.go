package clearing

import "sync"

// marketLocks hands out one mutex per market. Entries are dropped once no
// goroutine holds or waits on them.
type marketLocks struct {
	mu    sync.Mutex
	locks map[string]*marketLock
}

type marketLock struct {
	sync.Mutex
	refs int
}

func newMarketLocks() *marketLocks {
	return &marketLocks{locks: make(map[string]*marketLock)}
}

// lock blocks until the caller holds marketID's lock and returns the
// function that releases it.
func (l *marketLocks) lock(marketID string) func() {
	l.mu.Lock()
	ml, ok := l.locks[marketID]
	if !ok {
		ml = &marketLock{}
		l.locks[marketID] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, marketID)
		}
		l.mu.Unlock()
	}
}
