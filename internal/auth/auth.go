// Package auth guards the HTTP API with bearer tokens. A single admin
// credential (bcrypt hash, configured via environment) exchanges for a signed
// JWT; every protected route requires that token.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
)

const defaultTokenTTL = 24 * time.Hour

type contextKey string

// UsernameKey carries the authenticated username in the request context
const UsernameKey contextKey = "auth_username"

// Claims is the JWT payload issued by Login
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth issues and validates API tokens
type Auth struct {
	secret       []byte
	username     string
	passwordHash string
	tokenTTL     time.Duration
	logger       logging.Logger
}

// New creates an Auth over the configured admin credential. passwordHash is
// a bcrypt hash, never a plaintext password.
func New(secret, username, passwordHash string) *Auth {
	return &Auth{
		secret:       []byte(secret),
		username:     username,
		passwordHash: passwordHash,
		tokenTTL:     defaultTokenTTL,
		logger:       logging.GetGlobalLogger().WithFields(logging.String("component", "auth")),
	}
}

// Login checks the credential and returns a signed token with its expiry.
// Wrong username and wrong password produce the same error.
func (a *Auth) Login(username, password string) (string, time.Time, error) {
	if username != a.username {
		// burn a comparison anyway so both failure paths cost the same
		_ = bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password))
		return "", time.Time{}, errors.AuthError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		return "", time.Time{}, errors.AuthError("invalid credentials")
	}

	expiresAt := time.Now().Add(a.tokenTTL)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, errors.InternalError("failed to sign token", err)
	}

	a.logger.Info("login succeeded", logging.String("username", username))
	return token, expiresAt, nil
}

// ValidateToken parses and verifies a token, returning its claims
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.AuthError("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.AuthError("invalid or expired token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.AuthError("invalid token claims")
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// username in the request context for handlers.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error": "missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, `{"error": "invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UsernameKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HashPassword produces a bcrypt hash for ADMIN_PASSWORD_HASH bootstrapping
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.InternalError("failed to hash password", err)
	}
	return string(hash), nil
}
