package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_SerializesSameChat(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "c1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 0, l.held())
}

func TestMemoryLocker_DifferentChatsInParallel(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	u1, err := l.Lock(ctx, "c1")
	require.NoError(t, err)
	defer u1()

	done := make(chan struct{})
	go func() {
		u2, err := l.Lock(ctx, "c2")
		assert.NoError(t, err)
		u2()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another chat blocked")
	}
}

func TestMemoryLocker_ContextCanceled(t *testing.T) {
	l := NewMemoryLocker()

	unlock, err := l.Lock(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, l.held())
}
