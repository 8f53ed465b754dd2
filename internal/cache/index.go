package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceIndex is the fast front-end the content cache consults
// before ever reaching the S3 blob store: a Redis-backed map from
// signature to blob size, grounded on the teacher's
// internal/cache/redis_adapter.go (go-redis v9 client wrapper,
// URL-based construction with a ping on connect) and
// internal/db/redis.go's pool/timeout configuration shape.
type PresenceIndex struct {
	client *redis.Client
	prefix string
}

// IndexConfig configures the Redis connection backing PresenceIndex.
type IndexConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultIndexConfig returns sane local-development defaults.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Addr:         "localhost:6379",
		Prefix:       "assetbuild:cache:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	}
}

// NewPresenceIndex dials Redis and verifies connectivity with a ping,
// matching NewGoRedisClient's connect-then-ping pattern.
func NewPresenceIndex(cfg IndexConfig) (*PresenceIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: connecting to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "assetbuild:cache:"
	}
	return &PresenceIndex{client: client, prefix: prefix}, nil
}

func (p *PresenceIndex) key(signature string) string {
	return p.prefix + signature
}

// Has reports whether signature is recorded as present, without
// touching the blob store.
func (p *PresenceIndex) Has(ctx context.Context, signature string) (bool, error) {
	n, err := p.client.Exists(ctx, p.key(signature)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: checking presence of %s: %w", signature, err)
	}
	return n > 0, nil
}

// Mark records signature as present, with its blob size as the stored
// value so the index can also answer size queries cheaply.
func (p *PresenceIndex) Mark(ctx context.Context, signature string, size int64) error {
	if err := p.client.Set(ctx, p.key(signature), size, 0).Err(); err != nil {
		return fmt.Errorf("cache: marking %s present: %w", signature, err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (p *PresenceIndex) Close() error {
	return p.client.Close()
}
