package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// scrapePath is not counted, so an idle desktop shows no traffic of its own.
const scrapePath = "/metrics"

// Middleware records one request sample per diagnostics call, labelled by
// route template rather than raw path.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == scrapePath {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		began := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(began))
	}
}

// Timer measures one backend call. A Timer from nil Metrics records nothing.
type Timer struct {
	metrics *Metrics
	op      string
	began   time.Time
}

// NewTimer starts timing op.
func NewTimer(metrics *Metrics, op string) *Timer {
	return &Timer{metrics: metrics, op: op, began: time.Now()}
}

// Stop records the call with its outcome.
func (t *Timer) Stop(status string) {
	t.metrics.RecordBackendCall(t.op, status, time.Since(t.began))
}
