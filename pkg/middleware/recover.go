package middleware

import (
	"net/http"
	"runtime/debug"

	"feedpipe.com/pkg/common"
	"feedpipe.com/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recover turns a handler panic into a 500 reply and an error record.
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "http panic",
					zap.String("request_id", common.RequestIDFromGin(c)),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", err),
					zap.ByteString("stack", debug.Stack()),
				)
				common.Fail(c, http.StatusInternalServerError, http.StatusInternalServerError, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
