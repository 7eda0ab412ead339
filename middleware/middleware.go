package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"

	"haven/globals"
	"haven/utils"
)

// Claims are carried by admin session tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

const RoleAdmin = "admin"

// AdminAuth issues and checks HS256 admin tokens.
type AdminAuth struct {
	Secret []byte
	TTL    time.Duration
}

func (a *AdminAuth) Issue(subject string, now time.Time) (string, time.Time, error) {
	ttl := a.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	exp := now.Add(ttl)
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses a raw token (without the Bearer prefix).
func (a *AdminAuth) Validate(raw string) (*Claims, error) {
	if raw == "" {
		return nil, errors.New("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("unauthorized: %w", err)
	}
	if claims.Role != RoleAdmin {
		return nil, errors.New("unauthorized: not an admin token")
	}
	return claims, nil
}

// Valid adapts Validate for callers that only need a yes or no.
func (a *AdminAuth) Valid(raw string) bool {
	_, err := a.Validate(raw)
	return err == nil
}

func (a *AdminAuth) Authenticate(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			utils.RespondWithError(w, http.StatusUnauthorized, "Missing or malformed token", utils.CodeUnauthorized)
			return
		}
		claims, err := a.Validate(strings.TrimSpace(raw))
		if err != nil {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid token", utils.CodeUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), globals.AdminKey, claims.Subject)
		next(w, r.WithContext(ctx), ps)
	}
}

// Chain applies wrappers so that the first one listed runs first.
func Chain(h httprouter.Handle, wrappers ...func(httprouter.Handle) httprouter.Handle) httprouter.Handle {
	for i := len(wrappers) - 1; i >= 0; i-- {
		h = wrappers[i](h)
	}
	return h
}
