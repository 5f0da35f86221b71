package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Collab.RateLimitAPIGlobal = "10-M" // 10 per minute
	cfg.Collab.RateLimitAPIPublic = "5-M"  // 5 per minute
	cfg.Collab.RateLimitWsIP = "5-M"
	cfg.Collab.RateLimitWsUser = "5-M"
	return cfg
}

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	rl, err := NewRateLimiter(testConfig(), rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
	// Verify it falls back to memory (no redis client)
	assert.Nil(t, rl.redisClient)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.Collab.RateLimitAPIGlobal = "not-a-rate"
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestGlobalMiddleware_Public(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Make 5 requests (public limit is 5)
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/test", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	// 6th request should fail
	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestGlobalMiddleware_User(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	r := gin.New()
	// Mock auth middleware to inject claims
	r.Use(func(c *gin.Context) {
		claims := &auth.CustomClaims{}
		claims.Subject = "user1"
		c.Set("claims", claims)
		c.Next()
	})
	r.Use(rl.GlobalMiddleware())
	r.GET("/test-user", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Authenticated callers get the larger global limit
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest("GET", "/test-user", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "10", resp.Header().Get("X-RateLimit-Limit"))
	}

	// 11th should fail
	req, _ := http.NewRequest("GET", "/test-user", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	// Consume 5
	for i := 0; i < 5; i++ {
		allowed := rl.CheckWebSocket(ctx)
		assert.True(t, allowed)
	}

	// 6th should fail
	allowed := rl.CheckWebSocket(ctx)
	assert.False(t, allowed)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	// Consume 5
	for i := 0; i < 5; i++ {
		err := rl.CheckWebSocketUser(ctx, "user1")
		assert.NoError(t, err)
	}

	// 6th
	err := rl.CheckWebSocketUser(ctx, "user1")
	assert.Error(t, err)
}

func TestRedisFailure(t *testing.T) {
	rl, mr := newTestLimiter(t)

	// Kill redis to simulate failure
	mr.Close()

	// Should fail open (allow request) but log error
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/fail-open", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/fail-open", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestStandardMiddleware(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl.StandardMiddleware())
}
