// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"clawgate/platform/shared/logger"
)

// DefaultRateLimitPerMinute bounds management API calls per user
const DefaultRateLimitPerMinute = 120

// RateLimiter is a sliding-window limiter backed by Redis sorted sets, so
// the limit holds across broker replicas. Without Redis it is a no-op;
// Redis failures fail open.
type RateLimiter struct {
	rdb            *redis.Client
	limitPerMinute int
	log            *logger.Logger
}

func NewRateLimiter(rdb *redis.Client, limitPerMinute int) *RateLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = DefaultRateLimitPerMinute
	}
	return &RateLimiter{
		rdb:            rdb,
		limitPerMinute: limitPerMinute,
		log:            logger.New("ratelimit"),
	}
}

// Allow records one request for key and reports whether it is within the
// per-minute limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.rdb == nil {
		return true
	}

	now := time.Now()
	redisKey := "ratelimit:" + key

	pipe := rl.rdb.Pipeline()
	windowStart := now.Add(-time.Minute).UnixNano()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn("", "", "rate limit check failed, allowing request", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}

	return countCmd.Val() < int64(rl.limitPerMinute)
}

// Middleware enforces the limit per authenticated user, falling back to the
// client address for unauthenticated requests (which the handlers reject
// anyway; the limiter just keeps token brute-forcing cheap to absorb).
func (rl *RateLimiter) Middleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if userID, err := auth.Verify(TokenFromRequest(r)); err == nil {
				key = "user:" + userID
			} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = "addr:" + host
			} else {
				key = "addr:" + r.RemoteAddr
			}

			if !rl.Allow(r.Context(), key) {
				sendError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
