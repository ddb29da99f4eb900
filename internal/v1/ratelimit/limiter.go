// Package ratelimit implements connection and handshake rate limiting for
// the sync server, backed by Redis in multi-pod deployments or an in-memory
// store for single-process/dev setups.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/synccore/synccore/internal/v1/config"
	"github.com/synccore/synccore/internal/v1/logging"
	"github.com/synccore/synccore/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the two rate limits that actually gate the sync
// server's only external surface: opening a new transport connection, and
// sending Hello on it.
type RateLimiter struct {
	wsConnect *limiter.Limiter
	wsHello   *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connectRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnect)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect rate: %w", err)
	}

	helloRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsHello)
	if err != nil {
		return nil, fmt.Errorf("invalid ws hello rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "synccore:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsConnect: limiter.New(store, connectRate),
		wsHello:   limiter.New(store, helloRate),
		store:     store,
	}, nil
}

// CheckConnect enforces the per-IP connection rate limit before the
// transport upgrade happens. Returns true if the connection should proceed.
func (rl *RateLimiter) CheckConnect(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	res, err := rl.wsConnect.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (connect)", zap.Error(err))
		return true // fail open: availability over strict limiting
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("sync_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(res.Reset, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many connection attempts",
			"retry_after": res.Reset,
		})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("sync_connect").Inc()
	return true
}

// CheckHello enforces the per-principal Hello rate limit, called once a
// connection has identified itself (after its Hello message is parsed but
// before it is admitted to Active state).
func (rl *RateLimiter) CheckHello(ctx context.Context, principalID string) error {
	res, err := rl.wsHello.Get(ctx, principalID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (hello)", zap.Error(err))
		return nil // fail open
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("sync_hello", "principal").Inc()
		return fmt.Errorf("rate limit exceeded for principal %s", principalID)
	}

	metrics.RateLimitRequests.WithLabelValues("sync_hello").Inc()
	return nil
}
