package orchestrator

import (
	"context"
	"sync"
)

// chapterLocks allows one in-flight session per chapter. Acquisition never
// waits: a second session for the same chapter is refused.
type chapterLocks struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func newChapterLocks() *chapterLocks {
	return &chapterLocks{active: make(map[string]context.CancelFunc)}
}

func (l *chapterLocks) tryAcquire(chapterID string, cancel context.CancelFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[chapterID]; busy {
		return false
	}
	l.active[chapterID] = cancel
	return true
}

func (l *chapterLocks) release(chapterID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, chapterID)
}

// cancel stops the session holding chapterID, if any
func (l *chapterLocks) cancel(chapterID string) bool {
	l.mu.Lock()
	cancel, ok := l.active[chapterID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (l *chapterLocks) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
