package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// maxArgLogLen is the maximum length for logged query strings before truncation.
const maxArgLogLen = 200

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 500 * time.Millisecond

// RequestLogger returns middleware that logs all requests with timing.
// Slow requests are logged at WARN level, server errors at ERROR.
// Event streams are long-lived by nature and never count as slow.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", duration.Milliseconds(),
		}
		if q := c.Request.URL.RawQuery; q != "" {
			attrs = append(attrs, "query", truncate(q, maxArgLogLen))
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "job_id", id)
		}

		streaming := c.Writer.Header().Get("Content-Type") == "text/event-stream"
		switch {
		case len(c.Errors) > 0 && c.Writer.Status() >= 500:
			attrs = append(attrs, "error", c.Errors.Last().Error())
			logger.Error("request failed", attrs...)
		case len(c.Errors) > 0:
			attrs = append(attrs, "error", c.Errors.Last().Error())
			logger.Info("request rejected", attrs...)
		case !streaming && duration > slowRequestThreshold:
			logger.Warn("slow request", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
