// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllowWithinLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(ctx, "user:u1"), "request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow(ctx, "user:u1"), "sixth request in the window must be rejected")
}

func TestRateLimiterWindowSlides(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 2)
	ctx := context.Background()

	require.True(t, rl.Allow(ctx, "user:u1"))
	require.True(t, rl.Allow(ctx, "user:u1"))
	require.False(t, rl.Allow(ctx, "user:u1"))

	// miniredis does not advance wall-clock scores; simulate the window
	// passing by dropping the recorded entries the same way the trim does.
	mr.FastForward(2 * time.Minute)
	mr.FlushAll()

	assert.True(t, rl.Allow(ctx, "user:u1"))
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 1)
	ctx := context.Background()

	require.True(t, rl.Allow(ctx, "user:u1"))
	require.False(t, rl.Allow(ctx, "user:u1"))
	assert.True(t, rl.Allow(ctx, "user:u2"), "limits are per key")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 1)
	mr.Close()

	assert.True(t, rl.Allow(context.Background(), "user:u1"), "redis outage must not block requests")
}

func TestRateLimiterNoRedisNoOp(t *testing.T) {
	rl := NewRateLimiter(nil, 1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(ctx, "user:u1"))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 2)
	auth := NewAuthenticator(testJWTSecret)

	handler := rl.Middleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	token := signToken(t, jwt.MapClaims{"user_id": "user-1"}, testJWTSecret)
	call := func() int {
		req := httptest.NewRequest("GET", "/api/v1/credits", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call())
	assert.Equal(t, http.StatusOK, call())
	assert.Equal(t, http.StatusTooManyRequests, call())
}
