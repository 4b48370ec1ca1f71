package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/autoedit/tate-api/internal/api/shared"
	"github.com/autoedit/tate-api/internal/config"
	"github.com/autoedit/tate-api/internal/platform/metrics"
)

// limiter decides whether a single request identified by key may proceed.
// When it may not, retryAfter tells the client how long to back off.
type limiter interface {
	allow(ctx context.Context, key string, perMinute int) (ok bool, retryAfter time.Duration, err error)
}

// RateLimiter builds per-route rate-limiting middleware. Counters live in
// Redis when a URL is configured so limits hold across replicas; otherwise
// each process keeps its own token buckets.
type RateLimiter struct {
	enabled bool
	lim     limiter
	logger  *slog.Logger
}

// NewRateLimiter constructs a RateLimiter from configuration.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "rate_limiter"))

	rl := &RateLimiter{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return rl, nil
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		rl.lim = &redisLimiter{client: redis.NewClient(opts)}
		logger.Info("rate limiter using redis backend")
	} else {
		rl.lim = newLocalLimiter()
		logger.Info("rate limiter using in-process token buckets")
	}
	return rl, nil
}

// NewRateLimiterWithClient builds a Redis-backed limiter around an existing
// client. Used by tests with miniredis.
func NewRateLimiterWithClient(client *redis.Client, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		enabled: true,
		lim:     &redisLimiter{client: client},
		logger:  logger.With(slog.String("component", "rate_limiter")),
	}
}

// Limit returns middleware enforcing perMinute requests per client for the
// named route. A disabled limiter passes requests through untouched.
func (rl *RateLimiter) Limit(route string, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !rl.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + clientIP(r)
			ok, retryAfter, err := rl.lim.allow(r.Context(), key, perMinute)
			if err != nil {
				// A broken limiter backend must not take the API down.
				rl.logger.Error("rate limiter check failed", "route", route, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.RateLimited.WithLabelValues(route).Inc()
				seconds := int(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				shared.RespondWithError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// localLimiter keeps a token bucket per key. Buckets refill continuously at
// the per-minute rate with a burst of the full allowance.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *localLimiter) allow(_ context.Context, key string, perMinute int) (bool, time.Duration, error) {
	l.mu.Lock()
	bucket, found := l.buckets[key]
	if !found {
		bucket = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if bucket.Allow() {
		return true, 0, nil
	}
	// Time until one token becomes available.
	retryAfter := time.Duration(float64(time.Minute) / float64(perMinute))
	return false, retryAfter, nil
}

// redisLimiter implements a fixed one-minute window with INCR + EXPIRE.
type redisLimiter struct {
	client *redis.Client
}

func (l *redisLimiter) allow(ctx context.Context, key string, perMinute int) (bool, time.Duration, error) {
	window := time.Now().Unix() / 60
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("incrementing rate limit counter: %w", err)
	}

	if incr.Val() > int64(perMinute) {
		retryAfter := time.Duration(60-time.Now().Unix()%60) * time.Second
		return false, retryAfter, nil
	}
	return true, 0, nil
}
