package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spotforge/spotforge-backend/internal/observability"
)

// Metrics instruments request counts and latency when metrics are enabled.
// SSE streams are counted but never timed: their lifetime is however long
// the client keeps the EventSource open, which would drown the histogram.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		if strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream") {
			m.CountAPI(method, route, status)
			return
		}
		m.ObserveAPI(method, route, status, time.Since(start))
	}
}
