package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/config"
)

const redisProbeTimeout = 2 * time.Second

// Redis holds the client shared by the refresh-token store and the rate
// limiter backend, plus the key namespace both write under.
type Redis struct {
	Client *redis.Client
	prefix string
}

// NewRedis builds the client from REDIS_URL when set, otherwise from the
// address fields. An unreachable server is only logged: the limiter fails
// open on its own and readiness reports the outage.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	}

	r := &Redis{Client: redis.NewClient(opts), prefix: cfg.KeyPrefix}

	probeCtx, cancel := context.WithTimeout(ctx, redisProbeTimeout)
	defer cancel()
	if err := r.Ping(probeCtx); err != nil {
		logger.Warn("redis unreachable at startup", zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.Int("db", opts.DB), zap.String("namespace", r.prefix))
	}
	return r, nil
}

// Namespace scopes a store's keys under the configured prefix.
func (r *Redis) Namespace(name string) string {
	if r == nil || r.prefix == "" {
		return name
	}
	return r.prefix + ":" + name
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}
