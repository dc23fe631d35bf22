package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatcore/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token issued by the identity provider.
type Claims struct {
	UserID string `json:"uid"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a verified caller.
type Identity struct {
	UserID      string
	DisplayName string
}

// Users records the identities the provider vouches for.
type Users interface {
	UpsertUser(ctx context.Context, id, displayName string) (models.User, error)
}

// GenerateAccessToken signs an HS256 token. The core only verifies tokens;
// this exists for tests and local tooling.
func GenerateAccessToken(userID, name, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" || len(claims.UserID) > 64 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for websocket handshakes, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the token and upserts the caller so membership rows
// always point at a known user.
func Authenticate(ctx context.Context, users Users, token, secret string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	claims, err := ParseAccessToken(token, secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.UserID
	}
	u, err := users.UpsertUser(ctx, claims.UserID, name)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, DisplayName: u.DisplayName}, nil
}

func AuthMiddleware(secret string, users Users) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "UNAUTHENTICATED"})
			return
		}
		id, err := Authenticate(c.Request.Context(), users, token, secret)
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) {
				log.Error().Err(err).Msg("upsert user")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL_ERROR"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "UNAUTHENTICATED"})
			return
		}
		c.Set("userID", id.UserID)
		c.Set("displayName", id.DisplayName)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}
