package auth

import (
	"strings"

	"intakego/internal/apperr"

	"github.com/gin-gonic/gin"
)

var (
	errAuthRequired = apperr.Auth(apperr.CodeAuthRequired, "Authentication required")
	errInvalidToken = apperr.Auth(apperr.CodeInvalidToken, "Invalid or expired token")
)

// Middleware rejects requests without a valid bearer token. It lets everything
// through when no password is configured.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.AuthRequired() {
			c.Next()
			return
		}
		token := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(errAuthRequired.Status, errAuthRequired.Payload())
			return
		}
		if !s.Verify(token) {
			c.AbortWithStatusJSON(errInvalidToken.Status, errInvalidToken.Payload())
			return
		}
		c.Next()
	}
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
