package orchestration

import (
	"context"
	"sync"
)

// sessionLocks hands out one lock per session id. Entries are reference
// counted and dropped when no caller holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	slot chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) ref(id string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &sessionLock{slot: make(chan struct{}, 1)}
		l.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (l *sessionLocks) unref(id string, entry *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
}

// tryAcquire takes the lock without waiting
func (l *sessionLocks) tryAcquire(id string) (release func(), ok bool) {
	entry := l.ref(id)
	select {
	case entry.slot <- struct{}{}:
		return l.releaser(id, entry), true
	default:
		l.unref(id, entry)
		return nil, false
	}
}

// acquire waits for the lock until ctx is done
func (l *sessionLocks) acquire(ctx context.Context, id string) (release func(), err error) {
	entry := l.ref(id)
	select {
	case entry.slot <- struct{}{}:
		return l.releaser(id, entry), nil
	case <-ctx.Done():
		l.unref(id, entry)
		return nil, ctx.Err()
	}
}

func (l *sessionLocks) releaser(id string, entry *sessionLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.unref(id, entry)
		})
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
