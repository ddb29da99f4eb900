package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/synccore/synccore/internal/v1/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitWsConnect: "2-M",
		RateLimitWsHello:   "2-M",
	}
}

func newTestContext(ip string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/sync", nil)
	c.Request.RemoteAddr = ip + ":12345"
	return c, w
}

func TestCheckConnect_AllowsUnderLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)

	c, w := newTestContext("10.0.0.1")
	assert.True(t, rl.CheckConnect(c))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckConnect_BlocksOverLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)

	ip := "10.0.0.2"
	for i := 0; i < 2; i++ {
		c, _ := newTestContext(ip)
		require.True(t, rl.CheckConnect(c))
	}

	c, w := newTestContext(ip)
	assert.False(t, rl.CheckConnect(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckHello_AllowsUnderLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)

	err = rl.CheckHello(context.Background(), "principal-1")
	assert.NoError(t, err)
}

func TestCheckHello_BlocksOverLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, rl.CheckHello(context.Background(), "principal-2"))
	}

	err = rl.CheckHello(context.Background(), "principal-2")
	assert.Error(t, err)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitWsConnect = "not-a-rate"
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}
