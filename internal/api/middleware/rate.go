package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleTTL is how long an unseen client keeps its limiter
const idleTTL = 5 * time.Minute

// limitedBody is the body of a 429, shaped like a protocol error response
var limitedBody = gin.H{
	"type": "error",
	"error": gin.H{
		"code":    "rate_limited",
		"message": "rate limit exceeded",
	},
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clients holds one limiter per remote IP
type clients struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	byIP    map[string]*client
	sweptAt time.Time
	now     func() time.Time
}

func newClients(cfg config.RateLimitConfig) *clients {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerSecond
	}
	return &clients{
		limit: rate.Limit(cfg.RequestsPerSecond),
		burst: burst,
		byIP:  make(map[string]*client),
		now:   time.Now,
	}
}

func (cs *clients) allow(ip string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.now()
	if now.Sub(cs.sweptAt) > idleTTL {
		for k, c := range cs.byIP {
			if now.Sub(c.lastSeen) > idleTTL {
				delete(cs.byIP, k)
			}
		}
		cs.sweptAt = now
	}

	c, ok := cs.byIP[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(cs.limit, cs.burst)}
		cs.byIP[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (cs *clients) size() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.byIP)
}

// RateLimit creates a per-IP rate limiting middleware. A disabled config
// passes every request through.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled || cfg.RequestsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	cs := newClients(cfg)

	return func(c *gin.Context) {
		if !cs.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, limitedBody)
			return
		}
		c.Next()
	}
}

// GlobalRateLimit creates a rate limiting middleware shared by all clients.
func GlobalRateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled || cfg.RequestsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerSecond
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, limitedBody)
			return
		}
		c.Next()
	}
}
