package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for gateway metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures one backend call
type Timer struct {
	start   time.Time
	metrics *Metrics
	op      string
}

// NewTimer starts timing backend operation op
func NewTimer(metrics *Metrics, op string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		op:      op,
	}
}

// Stop records the call with its outcome
func (t *Timer) Stop(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordBackendCall(t.op, status, time.Since(t.start))
}
