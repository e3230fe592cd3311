package chat

import (
	"context"
	"sync"
)

// ChatLocker serializes turns for one chat id. Lock blocks until the chat is
// free or ctx is done; the returned func releases it and is safe to call twice.
type ChatLocker interface {
	Lock(ctx context.Context, chatID string) (func(), error)
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is an in-process ChatLocker. Entries are dropped once no
// goroutine holds or waits for them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*lockEntry)}
}

func (l *MemoryLocker) Lock(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[chatID]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[chatID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(chatID, e)
		})
	}, nil
}

func (l *MemoryLocker) release(chatID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, chatID)
	}
}

// held reports how many chats currently have an entry. Used by tests.
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
