package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress is returned when another run holds the run lock
var ErrRunInProgress = errors.New("an execution is already in progress")

// Locker serializes executor runs. Manual and scheduled runs share one lock.
type Locker interface {
	// TryLock acquires the lock without waiting, returning ErrRunInProgress when it is held
	TryLock(ctx context.Context) (release func(), err error)
}

// LocalLocker serializes runs inside one process
type LocalLocker struct {
	sem chan struct{}
}

// NewLocalLocker creates an unlocked LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

// TryLock acquires the lock if it is free
func (l *LocalLocker) TryLock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	default:
		return nil, ErrRunInProgress
	}
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes runs across every process sharing a Redis instance.
// The key expires after ttl so a crashed holder cannot wedge the executor.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisLocker creates a lock on key. ttl should exceed the run timeout.
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration, log *slog.Logger) *RedisLocker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, log: log}
}

// TryLock sets the key if it is absent
func (l *RedisLocker) TryLock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	return func() {
		// The run may have been cancelled; release regardless
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.log.Error("failed to release run lock", "key", l.key, "error", err)
		}
	}, nil
}
