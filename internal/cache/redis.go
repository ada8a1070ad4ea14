package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a lock could not be acquired before the deadline.
var ErrLockHeld = errors.New("lock held by another holder")

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
	Prefix   string
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ramp"
	}

	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With("component", "redis"),
		prefix: prefix,
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SetJSON caches a value as JSON with the provided TTL.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

// GetJSON retrieves JSON value and unmarshals into dest.
func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	res, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(res), dest); err != nil {
		return false, fmt.Errorf("json unmarshal: %w", err)
	}
	return true, nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Remember records a delivery key for ttl. It reports false when the key was
// already present, meaning the delivery is a replay.
func (r *Redis) Remember(ctx context.Context, deliveryKey string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key("webhook", deliveryKey), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", deliveryKey, err)
	}
	return ok, nil
}

// Forget removes a delivery key so the provider's retry is processed again.
func (r *Redis) Forget(ctx context.Context, deliveryKey string) error {
	if err := r.client.Del(ctx, r.key("webhook", deliveryKey)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", deliveryKey, err)
	}
	return nil
}

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a distributed mutex scoped to one name.
type Lock struct {
	redis *Redis
	name  string
	ttl   time.Duration
	poll  time.Duration
}

// NewLock returns a lock on name. ttl bounds how long a crashed holder keeps it.
func (r *Redis) NewLock(name string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{redis: r, name: r.key("lock", name), ttl: ttl, poll: 50 * time.Millisecond}
}

// Acquire blocks until the lock is held or ctx ends. The returned function
// releases it.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.redis.client.SetNX(ctx, l.name, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", l.name, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(ctx, l.redis.client, []string{l.name}, token).Err(); err != nil {
					l.redis.logger.Warn("release lock", "lock", l.name, "error", err)
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, l.name, ctx.Err())
		case <-time.After(l.poll):
		}
	}
}
