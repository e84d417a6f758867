package inference

import (
	"time"

	"github.com/upb/llm-gateway/services/providers"
)

// Cache lifetimes per entry kind
const (
	DefaultModelInfoTTL = 3600 * time.Second
	DefaultModelListTTL = 300 * time.Second
)

// Config holds pipeline settings
type Config struct {
	// ResponseTTL applies to chat and embedding responses; zero uses the cache default
	ResponseTTL time.Duration

	// ModelInfoTTL applies to single model lookups
	ModelInfoTTL time.Duration

	// ModelListTTL applies to model listings
	ModelListTTL time.Duration

	// CacheWriteTimeout bounds cache writes made after the caller's request
	CacheWriteTimeout time.Duration
}

// ModelList is the body of a model listing
type ModelList struct {
	Object string                `json:"object"`
	Data   []providers.ModelInfo `json:"data"`
}

// ProviderHealth is the liveness of one provider
type ProviderHealth struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
}

// HealthReport aggregates provider liveness
type HealthReport struct {
	Status    string           `json:"status"`
	Providers []ProviderHealth `json:"providers"`
}

// MappingEntry is one hint registration
type MappingEntry struct {
	Model    string `json:"model" validate:"required,max=255"`
	Provider string `json:"provider" validate:"required,max=100"`
}

// modelListKey identifies a cached model listing
type modelListKey struct {
	Provider   string `json:"provider"`
	Capability string `json:"capability"`
}

// modelKey identifies a cached model lookup
type modelKey struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}
