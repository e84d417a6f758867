package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/upb/llm-gateway/services"
	"go.uber.org/zap"
)

var (
	// ErrProviderNotFound is returned when no constructor is registered for a name
	ErrProviderNotFound = errors.New("provider not found")
)

// Constructor builds a provider instance. Constructors must not perform network I/O.
type Constructor func() (Provider, error)

// ModelMapping associates a provider with the model ids it is known to serve
type ModelMapping struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

// RegistryConfig holds the routing configuration of a registry
type RegistryConfig struct {
	// DefaultProvider is used when no provider name is given
	DefaultProvider string

	// FallbackProviders are tried in order after the default provider
	FallbackProviders []string

	// ModelMappings seeds the hint table, in order
	ModelMappings []ModelMapping
}

// Registry holds one lazily constructed provider per name together with the
// model hint table, and selects a provider for a model.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	instances    map[string]Provider
	hints        []ModelMapping // insertion ordered

	defaultProvider   string
	fallbackProviders []string
	logger            *zap.Logger
}

// NewRegistry creates a registry from config
func NewRegistry(config RegistryConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		constructors:    make(map[string]Constructor),
		instances:       make(map[string]Provider),
		defaultProvider: strings.ToLower(config.DefaultProvider),
		logger:          logger,
	}

	for _, name := range config.FallbackProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			r.fallbackProviders = append(r.fallbackProviders, name)
		}
	}

	for _, mapping := range config.ModelMappings {
		for _, model := range mapping.Models {
			r.RegisterProviderForModel(model, mapping.Provider)
		}
	}

	return r
}

// RegisterConstructor registers the constructor used to lazily build the named provider
func (r *Registry) RegisterConstructor(name string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.constructors[strings.ToLower(name)] = constructor
}

// DefaultProvider returns the normalized default provider name
func (r *Registry) DefaultProvider() string {
	return r.defaultProvider
}

// FallbackProviders returns a copy of the ordered fallback list
func (r *Registry) FallbackProviders() []string {
	return append([]string(nil), r.fallbackProviders...)
}

// ProviderNames returns the names with a registered constructor, sorted
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetService returns the provider instance for name, constructing it on
// first use. An empty name selects the default provider.
func (r *Registry) GetService(name string) (Provider, error) {
	if name == "" {
		name = r.defaultProvider
	}
	name = strings.ToLower(name)

	r.mu.RLock()
	instance, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return instance, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have won the race
	if instance, ok := r.instances[name]; ok {
		return instance, nil
	}

	constructor, ok := r.constructors[name]
	if !ok {
		return nil, services.ServiceUnavailable(
			fmt.Sprintf("provider '%s' is not supported", name), ErrProviderNotFound,
		).WithDetail("provider", name)
	}

	instance, err := constructor()
	if err != nil {
		return nil, services.ServiceUnavailable(
			fmt.Sprintf("provider '%s' could not be initialized", name), err,
		).WithDetail("provider", name)
	}

	r.instances[name] = instance
	r.logger.Info("provider initialized", zap.String("provider", name))
	return instance, nil
}

// GetServiceForModel selects a provider able to serve model. Candidates are
// tried in order: preferred, hint mapping, default, fallback list.
func (r *Registry) GetServiceForModel(ctx context.Context, model, preferred string) (Provider, error) {
	rejected := make(map[string]bool)

	try := func(name, source string) Provider {
		name = strings.ToLower(name)
		if rejected[name] {
			return nil
		}
		rejected[name] = true

		service, err := r.GetService(name)
		if err != nil {
			r.logger.Warn("provider unavailable during selection",
				zap.String("provider", name),
				zap.String("source", source),
				zap.String("model", model),
				zap.Error(err))
			return nil
		}

		if !r.isCompatible(ctx, service, model) {
			r.logger.Debug("provider not compatible with model",
				zap.String("provider", name),
				zap.String("source", source),
				zap.String("model", model))
			return nil
		}

		r.logger.Debug("provider selected",
			zap.String("provider", name),
			zap.String("source", source),
			zap.String("model", model))
		return service
	}

	if preferred != "" {
		if service := try(preferred, "preferred"); service != nil {
			return service, nil
		}
	}

	for _, name := range r.providersForModel(model) {
		if service := try(name, "mapping"); service != nil {
			return service, nil
		}
	}

	if service := try(r.defaultProvider, "default"); service != nil {
		return service, nil
	}

	for _, name := range r.fallbackProviders {
		if service := try(name, "fallback"); service != nil {
			return service, nil
		}
	}

	return nil, services.ModelNotFound(
		fmt.Sprintf("no provider available for model '%s'", model),
	).WithDetail("model", model)
}

// isCompatible runs the static check first and only lists models when it fails
func (r *Registry) isCompatible(ctx context.Context, service Provider, model string) bool {
	if service.IsCompatibleWithModel(model) {
		return true
	}

	models, err := service.ListModels(ctx)
	if err != nil {
		r.logger.Warn("failed to list models for compatibility check",
			zap.String("provider", service.Name()),
			zap.String("model", model),
			zap.Error(err))
		return false
	}

	return FindModel(models, model) != nil
}

// GetAllServices resolves the default and fallback providers, skipping any
// that fail to resolve.
func (r *Registry) GetAllServices() []Provider {
	names := append([]string{r.defaultProvider}, r.fallbackProviders...)
	seen := make(map[string]bool, len(names))
	result := make([]Provider, 0, len(names))

	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		service, err := r.GetService(name)
		if err != nil {
			r.logger.Warn("skipping unavailable provider",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}
		result = append(result, service)
	}

	return result
}

// RegisterProviderForModel adds model to the hint list of provider.
// Registering an existing pair is a no-op.
func (r *Registry) RegisterProviderForModel(model, provider string) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if model == "" || provider == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.hints {
		if r.hints[i].Provider != provider {
			continue
		}
		for _, existing := range r.hints[i].Models {
			if existing == model {
				return
			}
		}
		r.hints[i].Models = append(r.hints[i].Models, model)
		return
	}

	r.hints = append(r.hints, ModelMapping{Provider: provider, Models: []string{model}})
}

// GetProviderForModel returns the first provider, in registration order,
// whose hint list contains model.
func (r *Registry) GetProviderForModel(model string) (string, bool) {
	names := r.providersForModel(model)
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

// HintMapping returns a copy of the hint table
func (r *Registry) HintMapping() []ModelMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ModelMapping, len(r.hints))
	for i, h := range r.hints {
		result[i] = ModelMapping{
			Provider: h.Provider,
			Models:   append([]string(nil), h.Models...),
		}
	}
	return result
}

func (r *Registry) providersForModel(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, h := range r.hints {
		for _, m := range h.Models {
			if m == model {
				names = append(names, h.Provider)
				break
			}
		}
	}
	return names
}
