package common

import (
	"net/http"

	"feedpipe.com/pkg/xerr"
	"github.com/gin-gonic/gin"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

// Fail replies with data=null.
func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{Code: code, Message: message})
}

// FailFromError maps an engine error code onto an HTTP status.
func FailFromError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch xerr.CodeOf(err) {
	case xerr.InvalidConfig:
		status = http.StatusBadRequest
	case xerr.InvalidState:
		status = http.StatusConflict
	case xerr.TransportClosed, xerr.EndOfStream:
		status = http.StatusServiceUnavailable
	case xerr.CapacityExceeded:
		status = http.StatusTooManyRequests
	}
	Fail(c, status, status, err.Error())
}
