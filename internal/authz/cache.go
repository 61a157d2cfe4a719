// SPDX-License-Identifier: MIT

package authz

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/config"
	"github.com/edgeroom/presence/internal/log"
)

// CachedClient fronts another Client with a redis decision cache. Only
// positive decisions are cached; denials and infrastructure failures always
// hit the backend again.
type CachedClient struct {
	next       Client
	redis      *redis.Client
	expiration time.Duration
	logger     zerolog.Logger
}

// NewCachedClient connects to redis per config and wraps next. The connection
// is verified eagerly so a misconfigured cache fails at startup.
func NewCachedClient(ctx context.Context, cfg config.AuthzCache, next Client) (*CachedClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &CachedClient{
		next:       next,
		redis:      client,
		expiration: cfg.Expiration.Std(),
		logger:     log.WithComponent("authz"),
	}, nil
}

// Close releases the redis connection pool.
func (c *CachedClient) Close() error {
	return c.redis.Close()
}

// Authorize implements Client.
func (c *CachedClient) Authorize(ctx context.Context, audience string, account agent.AccountID, object []string, action string) error {
	key := cacheKey(audience, account, object, action)

	if err := c.redis.Get(ctx, key).Err(); err == nil {
		return nil
	} else if err != redis.Nil {
		// Cache trouble must not turn into denials.
		c.logger.Warn().Err(err).Msg("authz cache lookup failed")
	}

	if err := c.next.Authorize(ctx, audience, account, object, action); err != nil {
		return err
	}

	if err := c.redis.Set(ctx, key, "1", c.expiration).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("authz cache store failed")
	}
	return nil
}

func cacheKey(audience string, account agent.AccountID, object []string, action string) string {
	return "authz:" + audience + ":" + account.String() + ":" + strings.Join(object, "/") + ":" + action
}
