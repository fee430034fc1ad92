package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seckill/internal/config"
	"github.com/iliyamo/seckill/internal/telemetry"
)

func limiterConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Minute,
		TTL:            10 * time.Minute,
		KeyStrategy:    "user_route",
		Prefix:         "seckill:rl",
	}
}

func hit(t *testing.T, mw echo.MiddlewareFunc, buyer string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/seckill", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/seckill")
	c.Set("user_id", buyer)
	require.NoError(t, mw(func(c echo.Context) error { return c.NoContent(http.StatusCreated) })(c))
	return rec
}

func TestTokenBucket_LimitsPerBuyer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mw := NewTokenBucket(limiterConfig(), rdb, telemetry.Discard())

	assert.Equal(t, http.StatusCreated, hit(t, mw, "7").Code)
	rec := hit(t, mw, "7")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = hit(t, mw, "7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"rate_limited"`)

	// another buyer has its own bucket
	assert.Equal(t, http.StatusCreated, hit(t, mw, "8").Code)
	assert.True(t, mr.Exists("seckill:rl:user:7:route:POST /v1/seckill"))
}

func TestTokenBucket_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mw := NewTokenBucket(limiterConfig(), rdb, telemetry.Discard())
	mr.Close()

	assert.Equal(t, http.StatusCreated, hit(t, mw, "7").Code)
}

func TestTokenBucket_Disabled(t *testing.T) {
	cfg := limiterConfig()
	cfg.Enabled = false
	mw := NewTokenBucket(cfg, nil, telemetry.Discard())

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusCreated, hit(t, mw, "7").Code)
	}
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/seckill", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/seckill")

	cfg := limiterConfig()
	tests := map[string]string{
		"ip":      "seckill:rl:ip:10.0.0.1",
		"user":    "seckill:rl:user:anon",
		"ip_user": "seckill:rl:ip:10.0.0.1:user:anon",
		"":        "seckill:rl:ip:10.0.0.1:user:anon:route:POST /v1/seckill",
	}
	for strategy, want := range tests {
		cfg.KeyStrategy = strategy
		assert.Equal(t, want, buildRateKey(cfg, c), strategy)
	}
}
