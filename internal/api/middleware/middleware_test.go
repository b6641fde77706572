package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})
	return router
}

func get(router *gin.Engine, remote string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	router := setupTestRouter(CORS(DefaultCORSConfig()))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantHeader bool
	}{
		{"simple GET with origin", http.MethodGet, "http://localhost:3000", http.StatusOK, true},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent, true},
		{"no origin", http.MethodGet, "", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantHeader {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://app.example.org"}
	router := setupTestRouter(CORS(cfg))

	w := get(router, "192.0.2.1:1234", http.Header{"Origin": {"https://app.example.org"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(router, "192.0.2.1:1234", http.Header{"Origin": {"https://evil.example.org"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter(RateLimit(config.RateLimitConfig{RequestsPerSecond: 2, Burst: 2, Enabled: true}))

	for i := 0; i < 2; i++ {
		w := get(router, "192.168.1.1:1234", nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := get(router, "192.168.1.1:1234", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"rate_limited"`)
}

func TestRateLimitDifferentClients(t *testing.T) {
	router := setupTestRouter(RateLimit(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, Enabled: true}))

	assert.Equal(t, http.StatusOK, get(router, "192.168.1.1:1234", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "192.168.1.2:1234", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "192.168.1.1:1234", nil).Code)
}

func TestRateLimitDisabled(t *testing.T) {
	router := setupTestRouter(RateLimit(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, Enabled: false}))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "192.168.1.1:1234", nil).Code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	router := setupTestRouter(GlobalRateLimit(config.RateLimitConfig{RequestsPerSecond: 2, Burst: 2, Enabled: true}))

	assert.Equal(t, http.StatusOK, get(router, "192.168.1.1:1234", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "192.168.1.2:1234", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "192.168.1.3:1234", nil).Code)
}

func TestClientsEvictIdle(t *testing.T) {
	now := time.Now()
	cs := newClients(config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10, Enabled: true})
	cs.now = func() time.Time { return now }

	cs.allow("10.0.0.1")
	cs.allow("10.0.0.2")
	assert.Equal(t, 2, cs.size())

	now = now.Add(idleTTL + time.Second)
	cs.allow("10.0.0.3")
	assert.Equal(t, 1, cs.size())
}

func TestDefaultCORSConfig(t *testing.T) {
	cfg := DefaultCORSConfig()

	assert.Contains(t, cfg.AllowOrigins, "*")
	assert.Contains(t, cfg.AllowMethods, http.MethodPost)
	assert.Contains(t, cfg.AllowHeaders, "X-Trace-ID")
	assert.False(t, cfg.AllowCredentials)
	assert.Equal(t, 12*time.Hour, cfg.MaxAge)
}

func BenchmarkRateLimit(b *testing.B) {
	router := setupTestRouter(RateLimit(config.RateLimitConfig{RequestsPerSecond: 1 << 20, Burst: 1 << 20, Enabled: true}))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		get(router, "192.168.1.1:1234", nil)
	}
}
