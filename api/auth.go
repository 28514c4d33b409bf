package api

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenCookie = "access_token"

// JWT is the access-token claim set issued after SSO login.
type JWT struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func ParseAndValidateJWT(tokenString string, key ed25519.PrivateKey) (*JWT, error) {
	const op = "ParseAndValidateJWT"
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return key.Public(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}

func (impl *ServerImpl) signJWT(userID uuid.UUID, username string) (string, error) {
	const op = "signJWT"
	now := time.Now()
	token := jwt.NewWithClaims(&jwt.SigningMethodEd25519{}, JWT{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(impl.config.Auth.ExpireDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    impl.config.Auth.Issuer,
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			Audience:  []string{impl.config.Auth.Audience},
		},
	})
	signed, err := token.SignedString(impl.config.Auth.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to sign JWT, err=%w", op, err)
	}
	return signed, nil
}

// currentUser resolves the caller from the access-token cookie. A nil
// result means the request is unauthenticated and a 401 was written.
func (impl *ServerImpl) currentUser(c *gin.Context) *JWT {
	tokenString, err := c.Cookie(accessTokenCookie)
	if err != nil || tokenString == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil
	}
	return token
}

func (impl *ServerImpl) currentUserID(c *gin.Context) (uuid.UUID, bool) {
	token := impl.currentUser(c)
	if token == nil {
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return userID, true
}
