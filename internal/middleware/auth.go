package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "contractai-go/internal/errors"

	"github.com/gin-gonic/gin"
)

// ManagementAuth guards admin routes with a static key passed as a bearer
// token or in X-Management-Key. An empty key locks the routes entirely.
func ManagementAuth(key func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := strings.TrimSpace(key())
		if want == "" {
			deny(c, http.StatusForbidden, "management_disabled", "management key is not configured")
			return
		}
		got := bearer(c.GetHeader("Authorization"))
		if got == "" {
			got = strings.TrimSpace(c.GetHeader("X-Management-Key"))
		}
		if got == "" {
			deny(c, http.StatusUnauthorized, "missing_management_key", "management key not provided")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			deny(c, http.StatusUnauthorized, "invalid_management_key", "invalid management key")
			return
		}
		c.Next()
	}
}

func bearer(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func deny(c *gin.Context, status int, code, msg string) {
	ae := apperrors.New(status, code, "authentication_error", msg)
	c.AbortWithStatusJSON(ae.HTTPStatus, ae.Body())
}
