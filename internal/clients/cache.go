package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/logging"
)

// RedisClient is the production CacheClient
type RedisClient struct {
	cfg    config.CacheConf
	client *redis.Client
	logger *logging.Logger

	// pollInterval between LASTSAVE checks while waiting on BGSAVE
	pollInterval time.Duration
}

// NewRedisClient creates a cache client against the configured server
func NewRedisClient(cfg config.CacheConf, logger *logging.Logger) *RedisClient {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	return &RedisClient{
		cfg:          cfg,
		client:       client,
		logger:       logger,
		pollInterval: time.Second,
	}
}

// Close releases the underlying connection pool
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping measures a cache round trip
func (r *RedisClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return 0, errors.NewConnectivityError(
			fmt.Sprintf("cache %s unreachable", r.cfg.Addr), err)
	}
	return time.Since(start), nil
}

// BackgroundSave triggers BGSAVE and polls LASTSAVE until the save
// timestamp advances past the trigger point. Exceeding maxWait is a
// failure, never reported as silent success.
func (r *RedisClient) BackgroundSave(ctx context.Context, maxWait time.Duration) error {
	before, err := r.client.LastSave(ctx).Result()
	if err != nil {
		return errors.NewConnectivityError("cannot read cache save timestamp", err)
	}

	if err := r.client.BgSave(ctx).Err(); err != nil {
		// A save already in progress still advances LASTSAVE; only
		// other errors are fatal here.
		if err.Error() != "ERR Background save already in progress" {
			return errors.NewConnectivityError("cache background save failed to start", err)
		}
	}

	deadline := time.Now().Add(maxWait)
	for {
		select {
		case <-ctx.Done():
			return errors.NewCancelledError("cache background save cancelled", ctx.Err())
		case <-time.After(r.pollInterval):
		}

		last, err := r.client.LastSave(ctx).Result()
		if err != nil {
			return errors.NewConnectivityError("cannot poll cache save timestamp", err)
		}
		if last > before {
			return nil
		}

		if time.Now().After(deadline) {
			return errors.NewTimeoutError(
				fmt.Sprintf("cache background save did not complete within %s", maxWait), nil)
		}
	}
}

// SnapshotPath returns where the server writes its snapshot file
func (r *RedisClient) SnapshotPath() string {
	return r.cfg.SnapshotPath
}

// Flush removes all keys from the cache
func (r *RedisClient) Flush(ctx context.Context) error {
	if err := r.client.FlushAll(ctx).Err(); err != nil {
		return errors.NewConnectivityError("cache flush failed", err)
	}
	return nil
}
