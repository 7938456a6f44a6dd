package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/pkg/errcode"
	"github.com/xxxsen/solemn/internal/pkg/jwt"
	"github.com/xxxsen/solemn/internal/pkg/response"
)

const (
	ContextAdminKey  = "admin_user"
	ContextClaimsKey = "admin_claims"

	basicRealm = `Basic realm="Admin Area"`
)

type AdminAuthenticator interface {
	Enabled() bool
	CheckCredentials(ctx context.Context, username, password string) bool
	// ParseToken validates a bearer token and rejects revoked ones.
	ParseToken(ctx context.Context, token string) (*jwt.Claims, error)
}

// AdminAuth accepts either a bearer token issued by the login endpoint or
// HTTP basic credentials.
func AdminAuth(auth AdminAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.Enabled() {
			response.ErrorWithStatus(c, http.StatusForbidden, errcode.ErrAdminDisabled, "admin access is not configured")
			c.Abort()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			claims, err := auth.ParseToken(c.Request.Context(), strings.TrimSpace(parts[1]))
			if err != nil || claims.Role != jwt.RoleAdmin {
				logutil.GetLogger(c.Request.Context()).Warn("admin token rejected", zap.Error(err))
				unauthorized(c, "invalid token")
				return
			}
			c.Set(ContextAdminKey, claims.Username)
			c.Set(ContextClaimsKey, claims)
			c.Next()
			return
		}
		username, password, ok := c.Request.BasicAuth()
		if !ok || !auth.CheckCredentials(c.Request.Context(), username, password) {
			unauthorized(c, "invalid credentials")
			return
		}
		c.Set(ContextAdminKey, username)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", basicRealm)
	response.ErrorWithStatus(c, http.StatusUnauthorized, errcode.ErrUnauthorized, msg)
	c.Abort()
}

func AdminFromContext(c *gin.Context) string {
	v, _ := c.Get(ContextAdminKey)
	s, _ := v.(string)
	return s
}

func ClaimsFromContext(c *gin.Context) *jwt.Claims {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*jwt.Claims)
	return claims
}
