package middleware

import (
	"errors"
	"net/http"
	"strings"

	"fulfillment-service/common/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	UserContextKey = "userID"
	RoleContextKey = "role"

	RoleAdmin = "admin"
)

var errNoCredentials = errors.New("no credentials")

// Authenticator resolves the caller from a bearer token or, behind the API
// gateway, from the X-User-ID and X-User-Role headers.
type Authenticator struct {
	tokens *auth.TokenParser
	logger *zap.Logger
}

func NewAuthenticator(tokens *auth.TokenParser, logger *zap.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, logger: logger}
}

func (a *Authenticator) identify(c *gin.Context) (uuid.UUID, string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return uuid.Nil, "", errors.New("malformed authorization header")
		}
		claims, err := a.tokens.ParseAndValidateToken(token, "")
		if err != nil {
			return uuid.Nil, "", err
		}
		id, err := uuid.Parse(claims.UserID)
		if err != nil {
			return uuid.Nil, "", errors.New("token subject is not a user id")
		}
		return id, claims.Role, nil
	}

	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return uuid.Nil, "", errNoCredentials
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, "", errors.New("invalid X-User-ID header")
	}
	return id, c.GetHeader("X-User-Role"), nil
}

// RequireAuth rejects requests without a valid identity.
func (a *Authenticator) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, role, err := a.identify(c)
		if err != nil {
			a.logger.Debug("Authentication failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(UserContextKey, id)
		c.Set(RoleContextKey, role)
		c.Next()
	}
}

// OptionalAuth lets guests through but still rejects credentials that are
// present and invalid.
func (a *Authenticator) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, role, err := a.identify(c)
		switch {
		case errors.Is(err, errNoCredentials):
		case err != nil:
			a.logger.Debug("Authentication failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		default:
			c.Set(UserContextKey, id)
			c.Set(RoleContextKey, role)
		}
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user, or nil for guests.
func GetUserID(c *gin.Context) *uuid.UUID {
	if val, ok := c.Get(UserContextKey); ok {
		if id, ok := val.(uuid.UUID); ok && id != uuid.Nil {
			return &id
		}
	}
	return nil
}

func IsAdmin(c *gin.Context) bool {
	return c.GetString(RoleContextKey) == RoleAdmin
}
