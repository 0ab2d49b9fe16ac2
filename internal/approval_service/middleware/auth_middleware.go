package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedAgentContextKey = ContextKey("authenticatedAgent")
	OperatorIDContextKey         = ContextKey("operatorID")
)

// OperatorKeyHeader carries the operator API key on recovery routes.
const OperatorKeyHeader = "X-Operator-Key"

// OperatorIDHeader names the human operator acting with the key.
const OperatorIDHeader = "X-Operator-ID"

// AuthenticatedAgent holds information about the agent behind a request.
type AuthenticatedAgent struct {
	ID    string
	Email string
	Role  string
}

// AgentFromContext returns the agent stored by AuthMiddleware.
func AgentFromContext(ctx context.Context) (AuthenticatedAgent, bool) {
	agent, ok := ctx.Value(AuthenticatedAgentContextKey).(AuthenticatedAgent)
	return agent, ok && agent.ID != ""
}

// OperatorFromContext returns the operator id stored by OperatorKeyMiddleware.
func OperatorFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OperatorIDContextKey).(string)
	return id, ok && id != ""
}

// ParseAgentToken validates an HS256 access token and extracts the agent.
func ParseAgentToken(tokenString, secret string) (AuthenticatedAgent, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return AuthenticatedAgent{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return AuthenticatedAgent{}, errors.New("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return AuthenticatedAgent{}, errors.New("token has no subject")
	}
	agent := AuthenticatedAgent{ID: sub}
	if email, ok := claims["email"].(string); ok {
		agent.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		agent.Role = role
	}
	return agent, nil
}

// AuthMiddleware authenticates agents by bearer JWT.
func AuthMiddleware(jwtSecret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			scheme, tokenString, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			agent, err := ParseAgentToken(tokenString, jwtSecret)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthenticatedAgentContextKey, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorKeyMiddleware guards operator routes with an API key checked against
// a bcrypt hash. An empty hash disables the routes entirely.
func OperatorKeyMiddleware(keyHash string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				logger.WarnContext(r.Context(), "Operator route called but no operator key is configured")
				http.Error(w, "Operator access not configured", http.StatusForbidden)
				return
			}
			key := r.Header.Get(OperatorKeyHeader)
			if key == "" {
				http.Error(w, "Operator key required", http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
				logger.WarnContext(r.Context(), "Operator key rejected")
				http.Error(w, "Invalid operator key", http.StatusUnauthorized)
				return
			}
			operatorID := strings.TrimSpace(r.Header.Get(OperatorIDHeader))
			if operatorID == "" {
				http.Error(w, OperatorIDHeader+" header required", http.StatusBadRequest)
				return
			}
			ctx := context.WithValue(r.Context(), OperatorIDContextKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
