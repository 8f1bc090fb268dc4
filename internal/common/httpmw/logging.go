package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// RequestLogger logs one line per completed request. Health probes are
// skipped so a polling load balancer does not drown the log, and the level
// tracks the outcome: server errors at Error, client errors at Warn,
// everything else at Debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	httpLog := log.WithFields(zap.String("server", serverName))

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			httpLog.Error("http request", fields...)
		case status >= 400:
			httpLog.Warn("http request", fields...)
		default:
			httpLog.Debug("http request", fields...)
		}
	}
}
