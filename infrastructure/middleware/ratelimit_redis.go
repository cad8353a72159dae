package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/basilica-network/basilica/infrastructure/errors"
	internalhttputil "github.com/basilica-network/basilica/infrastructure/httputil"
	"github.com/basilica-network/basilica/infrastructure/logging"
)

// DistributedRateLimiter is a fixed-window rate limiter backed by Redis
// INCR/PEXPIRE, grounded on wisbric-nightowl's httpserver.Server (which
// carries a *redis.Client alongside its chi.Mux). Unlike RateLimiter, whose
// per-key buckets live in process memory, this one is safe to share across
// every replica of a service fronted by a single Redis instance — the
// billing RPC surface (C14) runs with replicas, so its request budget must
// be enforced on the shared counter, not per-process.
type DistributedRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *logging.Logger
	// local is consulted if Redis is unreachable, so a broker outage
	// degrades to per-process limiting rather than disabling limits.
	local *RateLimiter
}

// NewDistributedRateLimiter creates a limiter enforcing limit requests per
// window against client, falling back to an in-memory limiter of the same
// budget when Redis calls error out.
func NewDistributedRateLimiter(client *redis.Client, limit int, window time.Duration, logger *logging.Logger) *DistributedRateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &DistributedRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: logger,
		local:  NewRateLimiterWithWindow(limit, window, limit, logger),
	}
}

// allow increments key's counter for the current window, returning whether
// the request is within budget and the window's TTL for Retry-After.
func (rl *DistributedRateLimiter) allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := "basilica:ratelimit:" + key
	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := rl.client.PExpire(ctx, redisKey, rl.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count > int64(rl.limit) {
		ttl, _ := rl.client.PTTL(ctx, redisKey).Result()
		return false, ttl, nil
	}
	return true, 0, nil
}

// Handler returns the distributed rate-limiting middleware, matching
// RateLimiter.Handler's key derivation and error-response shape exactly so
// the two are interchangeable behind the same interface at the call site.
func (rl *DistributedRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := logging.GetUserID(r.Context())
		if key == "" {
			key = internalhttputil.ClientIP(r)
		}
		if key == "" {
			key = "unknown"
		}

		ok, ttl, err := rl.allow(r.Context(), key)
		if err != nil {
			if rl.logger != nil {
				rl.logger.WithContext(r.Context()).WithError(err).Warn("distributed rate limiter unavailable, falling back to local limit")
			}
			rl.local.Handler(next).ServeHTTP(w, r)
			return
		}
		if !ok {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}
			if ttl <= 0 {
				ttl = rl.window
			}
			serviceErr := errors.RateLimitExceeded(rl.limit, rl.window.String())
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ttl.Seconds()))))
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}
