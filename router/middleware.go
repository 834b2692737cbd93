// Package router carries the gin middleware chain: trace-context injection,
// identity headers, metrics, request logging, auth, and CORS. Middlewares
// only add headers and context values; response bodies belong to handlers.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/dragonfly-ops/dragonfly/metrics"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

// Trace reads X-Trace-ID from the request (minting a UUID when absent),
// stores it in the request context, and stamps it on the response before
// any handler runs so even panicking handlers return a correlatable id.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(wscutils.TraceIDHeader)
		if traceID == "" {
			traceID = wscutils.GetTraceID(c)
		} else {
			c.Set(wscutils.TraceIDKey, traceID)
		}
		c.Writer.Header().Set(wscutils.TraceIDHeader, traceID)
		c.Next()
	}
}

// IdentityHeaders stamps the environment and build identity on every
// response.
func IdentityHeaders(env, shaShort string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Dragonfly-Env", env)
		c.Writer.Header().Set("X-Dragonfly-SHA-Short", shaShort)
		c.Next()
	}
}

// Metrics counts every request and tags 4xx/5xx responses as errors.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		status := c.Writer.Status()
		m.ObserveRequest(c.Request.Method, statusLabel(status), status >= 400)
	}
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
