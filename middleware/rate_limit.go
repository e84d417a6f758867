package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/services/ratelimit"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// RateLimiter counts requests per identity
type RateLimiter interface {
	Enabled() bool
	Check(ctx context.Context, identity string) ratelimit.Decision
}

// RateLimitMiddleware rejects identities that exceed their window with 429
type RateLimitMiddleware struct {
	limiter RateLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware
func NewRateLimitMiddleware(limiter RateLimiter, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit applies the limiter to every non-public path
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.limiter.Enabled() || IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		identity := m.identity(r)
		decision := m.limiter.Check(ctx, identity)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if decision.Limited {
			retryAfter := decision.RetryAfter(m.now())
			seconds := int((retryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))

			observability.RecordRateLimited()
			m.logger.Warn("rate limit exceeded",
				observability.RequestField(GetRequestIDFromContext(ctx)),
				zap.String("identity", identity))
			_ = utils.WriteTooManyRequests(w, "Rate limit exceeded. Please try again later.", map[string]interface{}{
				"limit":       decision.Limit,
				"retry_after": seconds,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// identity is the authenticated API key, else the JWT subject, else the
// client IP. Unauthenticated key headers are ignored.
func (m *RateLimitMiddleware) identity(r *http.Request) string {
	if key := GetAPIKeyFromContext(r.Context()); key != "" {
		return "key:" + key
	}
	if claims := GetClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For entry, else the remote address host
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
