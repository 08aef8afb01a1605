package router

import (
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/handlers"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request. Handlers stash the participant id
// in the gin context once they have bound the body, so every access-log line
// for a study transition can be joined against that participant's session.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.GetString(handlers.ParticipantIDKey); id != "" {
			fields = append(fields, zap.String("participant_id", id))
		}

		switch {
		case status >= 500:
			log.Error("Request failed", fields...)
		case status >= 400:
			log.Warn("Request rejected", fields...)
		default:
			// Successful transitions are routine; keep them at debug.
			log.Debug("Request served", fields...)
		}
	}
}
