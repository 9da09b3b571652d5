// Package cache provides a Redis-backed snapshot store for deployments
// where multiple rotator processes share usage state, or where local disk
// is not durable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/llm-rotator/internal/infrastructure/persistence"
)

// keyPrefix namespaces rotator snapshots in a shared Redis.
const keyPrefix = "llmrotator:usage:"

// Config holds Redis connection settings for the snapshot store.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore persists per-provider snapshots as single Redis values. A SET
// is atomic, so readers see either the old or the new document.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger}
}

func key(provider string) string {
	return keyPrefix + provider
}

// Load reads and migrates a provider's snapshot. A missing key returns
// (nil, nil); an unparseable value is discarded and treated as absent.
func (s *RedisStore) Load(ctx context.Context, provider string) (*persistence.Snapshot, error) {
	data, err := s.client.Get(ctx, key(provider)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading snapshot for %s: %w", provider, err)
	}

	var snapshot persistence.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logger.Warn("Discarding unparseable snapshot from redis",
			"provider", provider, "err", err)
		return nil, nil
	}

	if !persistence.Migrate(&snapshot) {
		s.logger.Warn("Discarding unmigratable snapshot from redis",
			"provider", provider, "schema", snapshot.SchemaVersion)
		return nil, nil
	}

	return &snapshot, nil
}

// Save writes a provider's snapshot with a single atomic SET.
func (s *RedisStore) Save(ctx context.Context, provider string, snapshot *persistence.Snapshot) error {
	snapshot.SchemaVersion = persistence.SchemaVersion
	snapshot.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", provider, err)
	}

	if err := s.client.Set(ctx, key(provider), data, 0).Err(); err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", provider, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
