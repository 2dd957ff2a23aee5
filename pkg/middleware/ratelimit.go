package middleware

import (
	"net/http"

	"feedpipe.com/pkg/common"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimit throttles per client IP and route.
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !store.Allow(c.ClientIP() + ":" + route) {
			// expected under scraping; no stack
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			common.Fail(c, http.StatusTooManyRequests, http.StatusTooManyRequests, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
