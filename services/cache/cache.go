package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// KeyPrefix namespaces every key written by the gateway
const KeyPrefix = "llm_gateway"

// Cache kinds
const (
	KindChat      = "chat"
	KindEmbedding = "embedding"
	KindModels    = "models"
	KindModel     = "model"
)

// ErrMiss is returned by a Store when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Store is the byte-level storage behind the cache
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config holds cache settings
type Config struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// Service is a best-effort JSON cache. Storage failures are logged and
// reported as misses; they never reach the caller.
type Service struct {
	store      Store
	enabled    bool
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewService creates a cache over store. A nil store disables caching.
func NewService(store Store, config Config, logger *zap.Logger) *Service {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 300 * time.Second
	}
	return &Service{
		store:      store,
		enabled:    config.Enabled && store != nil,
		defaultTTL: config.DefaultTTL,
		logger:     logger,
	}
}

// Enabled reports whether lookups can hit
func (s *Service) Enabled() bool {
	return s.enabled
}

// Get decodes the value stored under key into dest and reports a hit
func (s *Service) Get(ctx context.Context, key string, dest interface{}) bool {
	if !s.enabled {
		return false
	}

	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn("cache entry could not be decoded", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores value under key. A non-positive ttl uses the default.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if !s.enabled {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cache value could not be encoded", zap.String("key", key), zap.Error(err))
		return
	}

	if err := s.store.Set(ctx, key, data, ttl); err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key, logging failures
func (s *Service) Delete(ctx context.Context, key string) {
	if !s.enabled {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Key derives a deterministic key from kind and the canonical JSON of body.
// Equal bodies yield equal keys regardless of map ordering.
func Key(kind string, body interface{}) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return KeyPrefix + ":" + kind + ":" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes through generic values so object keys are sorted.
// Numbers are kept as json.Number so large integers stay exact.
func canonicalJSON(body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
