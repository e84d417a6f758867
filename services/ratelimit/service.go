package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// KeyPrefix namespaces rate limit counters
const KeyPrefix = "rate:"

// Counter is the state of a fixed window after an increment
type Counter struct {
	Count   int64
	ResetAt time.Time
}

// CounterStore increments per-key counters that expire window after the
// first increment
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (Counter, error)
}

// Config holds limiter settings
type Config struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Limited   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the time left until the window resets, at least one second
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// RateLimitService implements fixed-window request limiting. Store failures
// fail open.
type RateLimitService struct {
	store  CounterStore
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(store CounterStore, config Config, logger *zap.Logger) *RateLimitService {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	return &RateLimitService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Enabled reports whether requests can be limited
func (s *RateLimitService) Enabled() bool {
	return s.config.Enabled && s.store != nil
}

// IsRateLimited counts one request against key and reports whether the
// count now exceeds max within window
func (s *RateLimitService) IsRateLimited(ctx context.Context, key string, max int, window time.Duration) bool {
	return s.check(ctx, key, max, window).Limited
}

// Check counts one request for identity using the configured limits
func (s *RateLimitService) Check(ctx context.Context, identity string) Decision {
	return s.check(ctx, KeyPrefix+identity, s.config.MaxRequests, s.config.Window)
}

func (s *RateLimitService) check(ctx context.Context, key string, max int, window time.Duration) Decision {
	allowed := Decision{Limit: max, Remaining: max, ResetAt: s.now().Add(window)}
	if !s.Enabled() {
		return allowed
	}

	counter, err := s.store.Incr(ctx, key, window)
	if err != nil {
		s.logger.Warn("rate limit store failed, allowing request",
			zap.String("key", key),
			zap.Error(err))
		return allowed
	}

	remaining := max - int(counter.Count)
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Limited:   counter.Count > int64(max),
		Limit:     max,
		Remaining: remaining,
		ResetAt:   counter.ResetAt,
	}

	if decision.Limited {
		s.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", counter.Count),
			zap.Int("max", max))
	}

	return decision
}
