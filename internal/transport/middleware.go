// Package transport is the gin HTTP surface for both the client-facing
// mutation/Get API and the peer-to-peer wire messages the routing
// adapter sends (§4.5, §6). Grounded on the teacher's internal/api
// package: a thin Handler holding its dependencies, route groups split
// by audience, and Logger/Recovery middleware wrapping every request.
package transport

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs every request with method, path, status, and latency, the
// same shape as the teacher's api.Logger.
func Logger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Printf("[%s] %s %s | %d | %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery wraps Gin's default recovery, logging panics the way the
// teacher's api.Recovery does.
func Recovery(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Printf("PANIC recovered: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
