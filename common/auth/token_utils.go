package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Claims are the identity fields this service reads from an access token.
type Claims struct {
	UserID string
	Role   string
	Email  string
}

// TokenParser validates HMAC-signed access tokens.
type TokenParser struct {
	secretKey []byte
}

// NewTokenParser returns nil when secret is empty; callers then fall back to
// gateway-injected identity headers.
func NewTokenParser(secret string) *TokenParser {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &TokenParser{secretKey: []byte(secret)}
}

// ParseAndValidateToken parses a JWT token string and returns its claims.
// If expectedType is non-empty, the claim "typ" must match it.
func (p *TokenParser) ParseAndValidateToken(tokenStr, expectedType string) (*Claims, error) {
	if p == nil || p.secretKey == nil {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secretKey, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, fmt.Errorf("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if expectedType != "" {
		if typ, ok := claims["typ"].(string); !ok || typ != expectedType {
			return nil, fmt.Errorf("invalid token type")
		}
	}

	out := &Claims{
		Role:  stringClaim(claims, "role"),
		Email: stringClaim(claims, "email"),
	}
	out.UserID = stringClaim(claims, "user_id")
	if out.UserID == "" {
		out.UserID = stringClaim(claims, "sub")
	}
	if out.UserID == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
