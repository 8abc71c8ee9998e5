// Package ratelimit enforces the request budgets: a per-caller HTTP limit, a
// per-IP WebSocket handshake limit, and a per-user message budget on live
// sockets. Counters live in Redis so budgets hold across instances; without
// Redis a local store keeps the limits per instance. Store failures fail
// open: availability over strictness.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/config"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
)

// RateLimiter bundles the three limiters over one shared store.
type RateLimiter struct {
	api    *limiter.Limiter
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter

	store limiter.Store
}

// NewRateLimiter parses the configured rates and picks the store: Redis when
// a client is supplied, in-process memory otherwise.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using in-memory store; budgets are per instance")
	}

	return &RateLimiter{
		api:    limiter.New(store, apiRate),
		wsIP:   limiter.New(store, wsIPRate),
		wsUser: limiter.New(store, wsUserRate),
		store:  store,
	}, nil
}

// APIMiddleware enforces the HTTP budget keyed by client IP. The join
// endpoint runs pre-authentication, so IP is the only stable caller identity
// available here.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := rl.api.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP handshake budget. Returns false after
// writing the 429; callers stop there.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed (ws handshake)", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this address"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser enforces the per-user message budget on an open socket.
// A non-nil error means the frame should be refused; the socket stays up.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userKey string) error {
	lctx, err := rl.wsUser.Get(ctx, userKey)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed (ws messages)", zap.Error(err))
		return nil
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_message", "user").Inc()
		return fmt.Errorf("message budget exhausted")
	}
	return nil
}
