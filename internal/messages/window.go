package messages

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisWindowKeyPrefix = "courier:fingerprint:"

// RecencyWindow remembers content fingerprints for a bounded time.
type RecencyWindow interface {
	// Claim records the fingerprint and reports whether it was absent.
	Claim(ctx context.Context, channelID, fingerprint string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, channelID, fingerprint string) error
}

// RedisWindow keeps fingerprints as expiring Redis keys.
type RedisWindow struct {
	client redis.Cmdable
}

// NewRedisWindow constructs a window backed by client.
func NewRedisWindow(client redis.Cmdable) *RedisWindow {
	return &RedisWindow{client: client}
}

func (w *RedisWindow) Claim(ctx context.Context, channelID, fingerprint string, ttl time.Duration) (bool, error) {
	return w.client.SetNX(ctx, redisWindowKey(channelID, fingerprint), "1", ttl).Result()
}

func (w *RedisWindow) Release(ctx context.Context, channelID, fingerprint string) error {
	return w.client.Del(ctx, redisWindowKey(channelID, fingerprint)).Err()
}

func redisWindowKey(channelID, fingerprint string) string {
	return redisWindowKeyPrefix + channelID + ":" + fingerprint
}

// MemoryWindow is an in-process RecencyWindow for single-node deployments and tests.
type MemoryWindow struct {
	mu      sync.Mutex
	clock   func() time.Time
	expires map[string]time.Time
}

// NewMemoryWindow constructs an empty in-process window.
func NewMemoryWindow(clock func() time.Time) *MemoryWindow {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryWindow{clock: clock, expires: make(map[string]time.Time)}
}

func (w *MemoryWindow) Claim(_ context.Context, channelID, fingerprint string, ttl time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock()
	w.pruneLocked(now)
	key := channelID + ":" + fingerprint
	if expiry, ok := w.expires[key]; ok && now.Before(expiry) {
		return false, nil
	}
	w.expires[key] = now.Add(ttl)
	return true, nil
}

func (w *MemoryWindow) Release(_ context.Context, channelID, fingerprint string) error {
	w.mu.Lock()
	delete(w.expires, channelID+":"+fingerprint)
	w.mu.Unlock()
	return nil
}

func (w *MemoryWindow) pruneLocked(now time.Time) {
	for key, expiry := range w.expires {
		if !now.Before(expiry) {
			delete(w.expires, key)
		}
	}
}
