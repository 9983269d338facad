package budgeteer

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix  = "budgeteer:"
	DefaultRedisTTL     = 7 * 24 * time.Hour
	DefaultRedisTimeout = 5 * time.Second
)

// RedisStore keeps budget state in Redis so that every process sharing the
// server sees the same budgets. Keys expire after the configured TTL, which
// bounds memory for keys that stop being reported.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "budgeteer:").
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.prefix = prefix
	}
}

// WithTTL sets the expiry applied on every write (default 7 days). Zero or
// negative disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		r.ttl = ttl
	}
}

// WithTimeout bounds each Redis call (default 5s).
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisStore) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedisStore wraps client. It does not ping the server: an unreachable
// Redis surfaces as ErrStoreUnavailable on use, not as a construction error.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrInvalidStoreConfig
	}
	r := &RedisStore{
		client:  client,
		prefix:  DefaultRedisPrefix,
		ttl:     DefaultRedisTTL,
		timeout: DefaultRedisTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Unavailable("redis get", err)
	}
	return val, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return Unavailable("redis set", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
