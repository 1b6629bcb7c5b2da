package backend

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authUserKey = "auth_user_id"

// bearerAuth validates the Authorization bearer token and stashes the subject
// in the gin context for handlers.
func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token has no subject"))
			return
		}

		ctx.Set(authUserKey, claims.Subject)
		ctx.Next()
	}
}

func authenticatedUser(ctx *gin.Context) string {
	value, ok := ctx.Get(authUserKey)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}

// MintToken issues a signed bearer token for the given user. Used by the
// server's token subcommand and by tests.
func MintToken(signingKey []byte, issuer string, userID string, lifetime time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", userID, err)
	}
	return signed, nil
}
