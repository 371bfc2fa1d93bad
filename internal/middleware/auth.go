package middleware

import (
	"net/http"
	"strings"

	"chatsync/internal/auth"
	"chatsync/internal/model"
	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey = "userID"
	roleContextKey   = "role"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

func RoleFromContext(c *gin.Context) (model.Role, bool) {
	role, ok := c.Get(roleContextKey)
	if !ok {
		return "", false
	}
	value, ok := role.(model.Role)
	return value, ok && value != ""
}

// RequireAuth accepts only access tokens. A missing, expired or forged
// token is 401 so the client knows renewal may help.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(parts[1], auth.KindAccess, cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// CheckRole aborts with 403 when the caller claims a role other than the
// one in their token. An empty claim is accepted.
func CheckRole(c *gin.Context, claimed string) bool {
	if claimed == "" {
		return true
	}
	role, _ := RoleFromContext(c)
	if model.Role(claimed) == role {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "Role not permitted"})
	c.Abort()
	return false
}

func RequireRoleParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CheckRole(c, c.Query("role")) {
			return
		}
		c.Next()
	}
}
