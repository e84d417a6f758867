package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// publicPrefixes never require credentials or count against rate limits
var publicPrefixes = []string{"/health", "/metrics", "/docs", "/openapi.json"}

// IsPublicPath reports whether path is served without authentication
func IsPublicPath(path string) bool {
	if path == "/" {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TokenValidator defines the interface for validating JWT tokens
type TokenValidator interface {
	// ValidateToken validates a JWT token and returns claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware accepts a configured API key or a valid bearer token
type AuthMiddleware struct {
	apiKeyHeader string
	apiKeys      []string
	validator    TokenValidator // nil disables bearer tokens
	logger       *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(apiKeyHeader string, apiKeys []string, validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &AuthMiddleware{
		apiKeyHeader: apiKeyHeader,
		apiKeys:      apiKeys,
		validator:    validator,
		logger:       logger,
	}
}

// RequireAuth rejects requests to non-public paths that carry no valid credential
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		// An API key header takes precedence over a bearer token
		if key := r.Header.Get(m.apiKeyHeader); key != "" {
			if !m.validKey(key) {
				m.logger.Warn("invalid api key", observability.RequestField(requestID))
				_ = utils.WriteUnauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(ctx, key)))
			return
		}

		token := extractBearerToken(r)
		if token == "" || m.validator == nil {
			m.logger.Warn("missing credentials",
				observability.RequestField(requestID),
				zap.String("path", r.URL.Path))
			_ = utils.WriteUnauthorized(w, "Missing API key")
			return
		}

		claims, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			m.logger.Warn("token validation failed",
				observability.RequestField(requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		m.logger.Debug("authentication successful",
			observability.RequestField(requestID),
			zap.String("sub", claims.Subject))

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

func (m *AuthMiddleware) validKey(key string) bool {
	for _, k := range m.apiKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
