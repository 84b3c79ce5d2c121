package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for debug server metrics
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures one request from dispatch to terminal outcome
type Timer struct {
	start   time.Time
	metrics *Metrics
	scheme  string
	kind    string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, scheme, kind string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		scheme:  scheme,
		kind:    kind,
	}
}

// Stop records the elapsed time under outcome
func (t *Timer) Stop(outcome string) time.Duration {
	d := time.Since(t.start)
	t.metrics.RecordRequest(t.scheme, t.kind, outcome, d)
	return d
}
