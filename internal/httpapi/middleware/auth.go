package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/suPer8Hu/gopherchat/internal/common"
)

const UserIDKey = "user_id"

type Claims struct {
	UserID uint64 `json:"user_id"`
	jwt.RegisteredClaims
}

// AuthRequired accepts an HS256 bearer token and stores its user id under UserIDKey.
// Identity is issued elsewhere; this only verifies it.
func AuthRequired(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}
		uid, err := ParseToken(key, strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

func ParseToken(key []byte, token string) (uint64, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}
	if !tok.Valid {
		return 0, errors.New("token not valid")
	}
	if claims.UserID != 0 {
		return claims.UserID, nil
	}
	// tokens from older issuers carry the id in sub
	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return 0, errors.New("token has no user id")
	}
	return uid, nil
}

// SignToken issues a token for uid. Used by tests and local tooling.
func SignToken(secret string, uid uint64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uid, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
