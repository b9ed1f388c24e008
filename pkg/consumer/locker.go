package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EntityLocker serializes handler execution per partition key across
// consumer instances. Locks are TTL-bounded so a dead worker never wedges
// an entity.
type EntityLocker interface {
	// TryLock acquires the key for ttl. It returns false without blocking
	// when another holder owns the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string)
}

// RedisLocker implements EntityLocker on redis SET NX. This is the
// multi-worker deployment backend.
type RedisLocker struct {
	client *redis.Client
	prefix string
	tokens sync.Map // key -> token
}

// NewRedisLocker creates a locker using the given client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "hashsentry:lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.tokens.Store(key, token)
	}
	return ok, nil
}

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (l *RedisLocker) Unlock(ctx context.Context, key string) {
	token, ok := l.tokens.LoadAndDelete(key)
	if !ok {
		return
	}
	_ = unlockScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

// MemoryLocker implements EntityLocker in process memory. Single-worker
// deployments and tests use it; each worker then enforces locks
// independently, which the design documents as acceptable looseness.
type MemoryLocker struct {
	mu    sync.Mutex
	holds map[string]time.Time // key -> expiry
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holds: map[string]time.Time{}}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.holds[key]; ok && exp.After(now) {
		return false, nil
	}
	l.holds[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Unlock(ctx context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, key)
}
