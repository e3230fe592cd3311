package redisstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func chatLockKey(chatID string) string {
	return "chat:lock:" + chatID
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ChatLocker serializes turns per chat across server instances. The TTL
// bounds how long a crashed holder can block the chat; a live holder renews
// it every ttl/3 until unlock.
type ChatLocker struct {
	store *Store
	ttl   time.Duration
	retry time.Duration
}

func NewChatLocker(store *Store, ttl time.Duration) *ChatLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChatLocker{store: store, ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *ChatLocker) Lock(ctx context.Context, chatID string) (func(), error) {
	token := uuid.NewString()
	key := chatLockKey(chatID)

	for {
		ok, err := l.store.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	go l.renew(key, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			// a failed release is cleared by the TTL
			_ = releaseScript.Run(ctx, l.store.rdb, []string{key}, token).Err()
		})
	}, nil
}

func (l *ChatLocker) renew(key, token string, stop <-chan struct{}) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n, err := renewScript.Run(ctx, l.store.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// lost the key; nothing left to renew
				return
			}
		}
	}
}
