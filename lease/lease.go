// Package lease hands out short-lived exclusive claims on a key so that only
// one sweeper replica re-drives a given dispute at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a best-effort mutual exclusion hint. Correctness never depends on
// it: the store's transition guard still decides who wins.
type Lease interface {
	// Acquire returns a release func when the key was free.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func RedisConfigDefaults() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "disputeflow:lease",
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLease struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

func NewRedisLease(cfg RedisConfig, logger *slog.Logger) (*RedisLease, error) {
	if cfg.Addr == "" {
		return nil, errors.New("lease: redis address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisLease{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis-lease"),
	}, nil
}

func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLease) Close() error {
	return l.client.Close()
}

func (l *RedisLease) key(k string) string {
	if l.keyPrefix == "" {
		return k
	}
	return l.keyPrefix + ":" + k
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	fullKey := l.key(key)

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("lease release failed", "key", fullKey, "error", err)
			return fmt.Errorf("lease: release %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// MemoryLease is a single-process Lease.
type MemoryLease struct {
	mu   sync.Mutex
	held map[string]memoryHold
	now  func() time.Time
}

type memoryHold struct {
	token   string
	expires time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]memoryHold), now: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = memoryHold{token: token, expires: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
		return nil
	}
	return release, true, nil
}
