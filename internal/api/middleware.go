package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantvalue/qvf/internal/logger"
)

// requestLogMiddleware logs one structured entry per request: method, path,
// status, duration, and client IP.
func requestLogMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if query != "" {
			fields = append(fields, logger.String("query", query))
		}

		if len(c.Errors) > 0 {
			messages := make([]string, len(c.Errors))
			for i, err := range c.Errors {
				messages[i] = err.Err.Error()
			}
			fields = append(fields, logger.Strings("errors", messages))
			log.Error("http request failed", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}

// recoveryMiddleware converts handler panics into logged 500 responses.
func recoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked",
					logger.Any("panic", r),
					logger.String("method", c.Request.Method),
					logger.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
