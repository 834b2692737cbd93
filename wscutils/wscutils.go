// Package wscutils defines the standard response envelope returned by every
// UI-facing endpoint, plus the degrade-guard helpers that keep 5xx responses
// away from the dashboard.
package wscutils

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TraceIDKey is the gin context key under which the trace middleware stores
// the per-request trace id.
const TraceIDKey = "trace_id"

// TraceIDHeader is the request/response header carrying the trace id.
const TraceIDHeader = "X-Trace-ID"

const maxErrorLen = 500

// Meta carries the correlation fields present on every envelope.
type Meta struct {
	TraceID   string `json:"trace_id"`
	Timestamp string `json:"timestamp"`
}

// Response is the uniform envelope: {ok, data, degraded, error, meta}.
// A degraded response is an HTTP 200 with ok=false and degraded=true; the UI
// reads the failure out of the envelope, never out of the status code.
type Response struct {
	OK       bool    `json:"ok"`
	Data     any     `json:"data"`
	Degraded bool    `json:"degraded"`
	Error    *string `json:"error"`
	Meta     Meta    `json:"meta"`
}

// GetTraceID returns the trace id stored by the trace middleware, minting
// one if a handler is somehow reached without the middleware (tests mostly).
func GetTraceID(c *gin.Context) string {
	if v, ok := c.Get(TraceIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	id := uuid.NewString()
	c.Set(TraceIDKey, id)
	return id
}

func newMeta(c *gin.Context) Meta {
	return Meta{
		TraceID:   GetTraceID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewOKResponse builds a success envelope.
func NewOKResponse(c *gin.Context, data any) *Response {
	return &Response{OK: true, Data: data, Meta: newMeta(c)}
}

// NewDegradedResponse builds a degraded envelope. The error string is
// truncated to 500 characters; data may carry partial results.
func NewDegradedResponse(c *gin.Context, errMsg string, data any) *Response {
	msg := TruncateError(errMsg)
	return &Response{Data: data, Degraded: true, Error: &msg, Meta: newMeta(c)}
}

// SendOK writes a success envelope with HTTP 200.
func SendOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, NewOKResponse(c, data))
}

// SendDegraded writes a degraded envelope. The HTTP status stays 200: the
// dashboard is told about degradation inside the envelope, not via a 5xx.
func SendDegraded(c *gin.Context, errMsg string, data any) {
	c.JSON(http.StatusOK, NewDegradedResponse(c, errMsg, data))
}

// SendEnvelope writes an envelope with an explicit status. Used by the
// readiness endpoint, which is the one place an envelope rides a non-200.
func SendEnvelope(c *gin.Context, status int, resp *Response) {
	c.JSON(status, resp)
}

// TruncateError clamps an error string to the storage/display limit.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}

// DegradeGuard wraps a UI-critical handler. Any panic in the handler body is
// converted into a degraded envelope carrying the trace id; no 5xx ever
// leaves a guarded endpoint.
func DegradeGuard(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				SendDegraded(c, fmt.Sprintf("internal error: %v", r), nil)
			}
		}()
		handler(c)
	}
}
