package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/gopherchat/internal/chat"
)

var _ chat.ChatLocker = (*ChatLocker)(nil)

// needs a live redis: REDIS_ADDR=127.0.0.1:6379 go test ./internal/store/redisstore
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s := New(addr, os.Getenv("REDIS_PASSWORD"), 15)
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChatLockKey(t *testing.T) {
	assert.Equal(t, "chat:lock:c1", chatLockKey("c1"))
}

func TestChatLocker_Exclusive(t *testing.T) {
	s := newTestStore(t)
	l := NewChatLocker(s, 10*time.Second)
	chatID := "lock-test-" + time.Now().Format("150405.000000")

	unlock, err := l.Lock(context.Background(), chatID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, chatID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	unlock2, err := l.Lock(context.Background(), chatID)
	require.NoError(t, err)
	unlock2()
}

func TestChatLocker_ReleaseKeepsForeignToken(t *testing.T) {
	s := newTestStore(t)
	l := NewChatLocker(s, 10*time.Second)
	ctx := context.Background()
	chatID := "lock-foreign-" + time.Now().Format("150405.000000")

	unlock, err := l.Lock(ctx, chatID)
	require.NoError(t, err)

	// simulate expiry and takeover by another instance
	require.NoError(t, s.rdb.Set(ctx, chatLockKey(chatID), "other", 10*time.Second).Err())
	unlock()

	v, err := s.rdb.Get(ctx, chatLockKey(chatID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "other", v)
	require.NoError(t, s.rdb.Del(ctx, chatLockKey(chatID)).Err())
}

func TestChatLocker_RenewsWhileHeld(t *testing.T) {
	s := newTestStore(t)
	l := NewChatLocker(s, 300*time.Millisecond)
	chatID := "lock-renew-" + time.Now().Format("150405.000000")

	unlock, err := l.Lock(context.Background(), chatID)
	require.NoError(t, err)
	time.Sleep(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, chatID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	exists, err := s.rdb.Exists(context.Background(), chatLockKey(chatID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
