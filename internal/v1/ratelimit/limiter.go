// Package ratelimit guards the hub's front door (per-IP upgrade limits) and,
// optionally, the per-session inbound frame budget.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/macromind/realtime/internal/v1/logging"
	"github.com/macromind/realtime/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances.
type RateLimiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// New creates a RateLimiter. With a Redis client the limit is shared across
// replicas behind one load balancer; without one it falls back to a local
// in-memory store.
func New(wsIPRate string, redisClient *redis.Client) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// UpgradeMiddleware enforces the per-IP limit on the WebSocket upgrade
// endpoint. The store failing open keeps the hub available when the shared
// store is down.
func (rl *RateLimiter) UpgradeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		metrics.RateLimitRequests.WithLabelValues("ws_upgrade").Inc()

		ctx := c.Request.Context()
		lctx, err := rl.wsIP.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("ws_upgrade", "ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

// FrameBudget is a per-session token bucket for inbound frames. Frames over
// budget are dropped, never errored, so a conforming client sees no
// behavioral difference. A zero-rate budget allows everything.
type FrameBudget struct {
	mu       sync.Mutex
	rate     int // tokens per second; 0 = unlimited
	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

// NewFrameBudget creates a budget of rate frames per second.
func NewFrameBudget(rate int) *FrameBudget {
	return &FrameBudget{
		rate:     rate,
		tokens:   float64(rate),
		lastFill: time.Now(),
		now:      time.Now,
	}
}

// Allow consumes one token, reporting whether the frame is within budget.
func (b *FrameBudget) Allow() bool {
	if b == nil || b.rate <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.lastFill = now
	b.tokens += elapsed * float64(b.rate)
	if max := float64(b.rate); b.tokens > max {
		b.tokens = max
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
