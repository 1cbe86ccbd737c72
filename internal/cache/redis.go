package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// RedisConfig holds external adapter configuration.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces every cache key.
	KeyPrefix string
}

// Redis is the external key-value Store. Size accounting and eviction
// are delegated to the server's own policy; the adapter only prefixes
// keys and translates the Store contract to get/setEx/del/keys. Every
// call runs behind a circuit breaker: an open circuit degrades lookups
// to misses and drops writes rather than stalling the pipeline.
type Redis struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// opTimeout bounds a single adapter operation.
const opTimeout = 2 * time.Second

// NewRedis connects to Redis and returns the adapter. The startup ping
// retries with exponential backoff so a gateway racing its Redis
// container does not fail spuriously.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	const op = "cache.NewRedis"

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: redis connection failed: %w", op, err)
	}

	return newRedisWithClient(client, cfg.KeyPrefix, logger), nil
}

// newRedisWithClient wires an adapter around an existing client.
// Split out so tests can inject a miniredis-backed client.
func newRedisWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-redis",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Redis{
		client:  client,
		prefix:  prefix,
		breaker: breaker,
		logger:  logger,
	}
}

func (r *Redis) key(fingerprint string) string {
	return r.prefix + fingerprint
}

// Lookup implements Store. Breaker-open and transport errors degrade
// to a miss.
func (r *Redis) Lookup(fingerprint string) (*Entry, bool) {
	raw, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		data, err := r.client.Get(ctx, r.key(fingerprint)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		r.logger.Debug("cache lookup degraded to miss", "error", err)
		return nil, false
	}
	data, _ := raw.([]byte)
	if data == nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		r.Invalidate(fingerprint)
		return nil, false
	}
	return &entry, true
}

// Store implements Store. Failed writes are dropped; the next request
// rebuilds the entry.
func (r *Redis) Store(fingerprint string, entry *Entry, ttl time.Duration) {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("cache entry not serializable", "error", err)
		return
	}

	_, err = r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return nil, r.client.SetEx(ctx, r.key(fingerprint), data, ttl).Err()
	})
	if err != nil {
		r.logger.Debug("cache store dropped", "error", err)
	}
}

// Invalidate implements Store.
func (r *Redis) Invalidate(fingerprint string) {
	_, _ = r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return nil, r.client.Del(ctx, r.key(fingerprint)).Err()
	})
}

// Clear implements Store.
func (r *Redis) Clear() {
	_, _ = r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, nil
		}
		return nil, r.client.Del(ctx, keys...).Err()
	})
}

// Stats implements Store. The external adapter reports no cap (Max 0)
// and samples entry metadata from the first keys returned.
func (r *Redis) Stats() Stats {
	stats := Stats{}

	raw, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return r.client.Keys(ctx, r.prefix+"*").Result()
	})
	if err != nil {
		return stats
	}
	keys, _ := raw.([]string)
	stats.Size = len(keys)

	sample := keys
	if len(sample) > statsSampleSize {
		sample = sample[:statsSampleSize]
	}
	for _, key := range sample {
		fp := key[len(r.prefix):]
		if entry, ok := r.Lookup(fp); ok {
			stats.Entries = append(stats.Entries, EntryInfo{
				Fingerprint: fp,
				StatusCode:  entry.StatusCode,
				BodySize:    len(entry.Body),
				ExpiresAt:   entry.ExpiresAt,
			})
		}
	}
	return stats
}

// Sweep implements Store. TTL enforcement is delegated to the server,
// so the sweeper has nothing to do here.
func (r *Redis) Sweep(time.Time) (int, error) {
	return 0, nil
}

// Len implements Store.
func (r *Redis) Len() int {
	return r.Stats().Size
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
