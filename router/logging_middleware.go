package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/wscutils"
)

// RequestInfo holds what gets logged for one request/response cycle.
type RequestInfo struct {
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	ClientIP     string        `json:"client_ip"`
	StatusCode   int           `json:"status_code"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	RequestSize  int64         `json:"request_size"`
	ResponseSize int64         `json:"response_size"`
	Query        string        `json:"query,omitempty"`
	UserAgent    string        `json:"user_agent,omitempty"`
	TraceID      string        `json:"trace_id,omitempty"`
}

// RequestLogger is the sink for request logs. LogHarbourAdapter is the
// production implementation.
type RequestLogger interface {
	Log(info RequestInfo)
}

// LogRequest logs a single structured entry at the end of each request.
func LogRequest(logger RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		requestSize := c.Request.ContentLength

		c.Next()

		logger.Log(RequestInfo{
			Method:       c.Request.Method,
			Path:         c.Request.URL.Path,
			ClientIP:     c.ClientIP(),
			StatusCode:   c.Writer.Status(),
			StartTime:    startTime.UTC(),
			Duration:     time.Since(startTime),
			RequestSize:  requestSize,
			ResponseSize: int64(c.Writer.Size()),
			Query:        c.Request.URL.RawQuery,
			UserAgent:    c.Request.UserAgent(),
			TraceID:      c.GetString(wscutils.TraceIDKey),
		})
	}
}

// LogHarbourAdapter adapts a LogHarbour logger to the RequestLogger
// interface.
type LogHarbourAdapter struct {
	logger *logharbour.Logger
}

func NewLogHarbourAdapter(logger *logharbour.Logger) *LogHarbourAdapter {
	return &LogHarbourAdapter{logger: logger}
}

func (a *LogHarbourAdapter) Log(info RequestInfo) {
	entry := a.logger.WithModule("http").
		WithOp("request").
		WithRemoteIP(info.ClientIP).
		WithClass(info.Method).
		WithInstanceId(info.Path).
		WithStatus(getStatus(info.StatusCode))

	activityData := map[string]any{
		"method":        info.Method,
		"path":          info.Path,
		"status":        info.StatusCode,
		"start_time":    info.StartTime.Format(time.RFC3339),
		"duration_ms":   info.Duration.Milliseconds(),
		"request_size":  info.RequestSize,
		"response_size": info.ResponseSize,
	}
	if info.Query != "" {
		activityData["query"] = info.Query
	}
	if info.UserAgent != "" {
		activityData["user_agent"] = info.UserAgent
	}
	if info.TraceID != "" {
		activityData["trace_id"] = info.TraceID
	}

	entry.Info().LogActivity("HTTP request completed", activityData)
}

func getStatus(statusCode int) logharbour.Status {
	if statusCode >= 200 && statusCode < 400 {
		return logharbour.Success
	}
	return logharbour.Failure
}
