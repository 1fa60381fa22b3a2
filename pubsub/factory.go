package pubsub

import (
	"context"
	"fmt"

	"github.com/ConorRoberts/ticket-marketplace-sub000/config"
	"github.com/sirupsen/logrus"
)

// New creates the backend selected by cfg.Backend:
//   - "local" (or empty): in-process, single instance
//   - "redis": Redis pub/sub at cfg.RedisURL, for several instances
func New(ctx context.Context, cfg config.ScalingConfig) (PubSub, error) {
	switch cfg.Backend {
	case "", config.BackendLocal:
		logrus.Infof("pubsub: using local backend (single instance)")
		return NewLocal(), nil

	case config.BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for the redis pub/sub backend")
		}
		ps, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis pub/sub: %w", err)
		}
		return ps, nil
	}
	return nil, fmt.Errorf("unknown pub/sub backend %q (valid: %s, %s)", cfg.Backend, config.BackendLocal, config.BackendRedis)
}
