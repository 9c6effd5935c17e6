package middleware

import (
	"net/http"
	"runtime/debug"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery 返回一个 panic 恢复中间件
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				logging.WithReq(c, log.Fields{
					"panic": p,
					"stack": string(debug.Stack()),
				}).Error("panic recovered")
				if c.Writer.Written() {
					c.Abort()
					return
				}
				ae := apperrors.New(http.StatusInternalServerError, "panic_recovered", "server_error", "internal server error")
				c.AbortWithStatusJSON(ae.HTTPStatus, ae.Body())
			}
		}()
		c.Next()
	}
}
