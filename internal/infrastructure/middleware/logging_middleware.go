package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"
)

// RequestLoggingMiddleware emits one access-log line per request, enriched
// with the trace id it stamps into the request context.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := context.WithValue(c.Request.Context(), logger.TraceIDKey, utils.GenerateID("req"))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		cl.WithContext(ctx).Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
