package middleware

import (
	"errors"
	"net/http"

	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached to the request with c.Error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			if be.Code.HTTPStatus() >= http.StatusInternalServerError {
				logger.FromContext(c.Request.Context()).Error("request failed",
					zap.String("path", c.FullPath()),
					zap.Error(be),
				)
			}
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		code := errutil.StatusOf(last.Err)
		logger.FromContext(c.Request.Context()).Error("unhandled request error",
			zap.String("path", c.FullPath()),
			zap.Error(last.Err),
		)
		c.JSON(code.HTTPStatus(), errutil.BaseError{Code: code, Message: http.StatusText(code.HTTPStatus())}.JSON())
	}
}
