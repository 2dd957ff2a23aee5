package middleware

import (
	"feedpipe.com/pkg/common"
	"feedpipe.com/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ReqId reuses the caller's X-Request-Id or mints one, echoes it back and
// puts it on the request context as the log trace id.
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.NewRequestID()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(logger.WithTrace(c.Request.Context(), rid))
		c.Next()
	}
}
