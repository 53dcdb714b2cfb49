package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

type ByJwt struct {
	ClientName string
	ExpiresAt  time.Time
}

type byJwtKey struct{}

// RequestByJwt returns the verified caller of a request that passed `JwtAuth.Middleware`.
func RequestByJwt(ctx context.Context) (*ByJwt, bool) {
	byJwt, ok := ctx.Value(byJwtKey{}).(*ByJwt)
	return byJwt, ok
}

// JwtAuth signs and verifies HS256 bearer tokens with a shared secret.
type JwtAuth struct {
	secret []byte
}

func NewJwtAuth(secret []byte) *JwtAuth {
	return &JwtAuth{
		secret: secret,
	}
}

func (self *JwtAuth) NewToken(clientName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"client_name": clientName,
		"iat":         now.Unix(),
	}
	if 0 < ttl {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *JwtAuth) Parse(byJwtStr string) (*ByJwt, error) {
	token, err := gojwt.Parse(
		byJwtStr,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if clientName, ok := claims["client_name"].(string); ok {
		byJwt.ClientName = clientName
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		byJwt.ExpiresAt = expiresAt.Time
	}
	return byJwt, nil
}

func (self *JwtAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		byJwtStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || byJwtStr == "" {
			http.Error(w, "Missing token", http.StatusUnauthorized)
			return
		}
		byJwt, err := self.Parse(byJwtStr)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), byJwtKey{}, byJwt)))
	})
}
