package worker

import "sync"

// userLocks serialises job processing per user. Entries are refcounted
// and dropped once no goroutine holds or waits on them, so the map does
// not grow with the user population.
type userLocks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[int64]*lockEntry)}
}

// Lock blocks until the user's lock is held and returns the release
// function.
func (l *userLocks) Lock(userID int64) func() {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &lockEntry{}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}

// size reports the number of live entries. Test hook.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
