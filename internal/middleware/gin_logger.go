package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoura-app/backend/internal/logger"
)

// GinLogger replaces gin's default logger with structured zap output
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("requestID")),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Log.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			logger.Log.Warn("http request", fields...)
		default:
			logger.Log.Info("http request", fields...)
		}
	}
}

// GinRecovery converts panics into 500 responses with a logged stack
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Log.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString("requestID")))
		c.AbortWithStatusJSON(500, gin.H{"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "internal error",
		}})
	})
}
