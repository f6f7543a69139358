package middleware

import (
	"time"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/gin-gonic/gin"
)

// RequestLogger логирует каждый запрос; 5xx уровнем error, 4xx уровнем warn
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.Request.URL.Path
		if rawQuery := c.Request.URL.RawQuery; rawQuery != "" {
			path = path + "?" + rawQuery
		}

		c.Next()

		statusCode := c.Writer.Status()
		fields := []interface{}{
			"status_code", statusCode,
			"method", c.Request.Method,
			"path", path,
			"route", c.FullPath(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		}
		if userID, ok := UserID(c); ok {
			fields = append(fields, "user_id", userID)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, "errors", errs)
		}

		switch {
		case statusCode >= 500:
			log.Errorw("Request handled", fields...)
		case statusCode >= 400:
			log.Warnw("Request handled", fields...)
		default:
			log.Infow("Request handled", fields...)
		}
	}
}
