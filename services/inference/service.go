package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// InferenceService routes requests to providers and caches their results
type InferenceService struct {
	registry *providers.Registry
	cache    *cache.Service
	mappings repositories.ModelMappingRepository // optional
	config   Config
	logger   *zap.Logger
}

// NewInferenceService creates a new inference service. A nil cache disables
// caching and a nil mapping repository disables persistence of hints.
func NewInferenceService(
	registry *providers.Registry,
	responseCache *cache.Service,
	mappings repositories.ModelMappingRepository,
	config Config,
	logger *zap.Logger,
) *InferenceService {
	if responseCache == nil {
		responseCache = cache.NewService(nil, cache.Config{}, logger)
	}
	if config.ModelInfoTTL <= 0 {
		config.ModelInfoTTL = DefaultModelInfoTTL
	}
	if config.ModelListTTL <= 0 {
		config.ModelListTTL = DefaultModelListTTL
	}
	if config.CacheWriteTimeout <= 0 {
		config.CacheWriteTimeout = 2 * time.Second
	}

	return &InferenceService{
		registry: registry,
		cache:    responseCache,
		mappings: mappings,
		config:   config,
		logger:   logger,
	}
}

// ChatCompletion serves a chat request from cache or the selected provider.
// Streaming requests are never cached.
func (s *InferenceService) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if req.Model == "" {
		return nil, services.InvalidRequest("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, services.InvalidRequest("messages must not be empty")
	}

	key := ""
	if !req.Stream {
		key = s.cacheKey(cache.KindChat, req)
	}

	if key != "" {
		var cached providers.ChatResponse
		hit := s.cache.Get(ctx, key, &cached)
		observability.RecordCacheLookup(cache.KindChat, hit)
		if hit {
			s.logger.Debug("chat completion served from cache", zap.String("model", req.Model))
			return &cached, nil
		}
	}

	service, err := s.registry.GetServiceForModel(ctx, req.Model, req.Provider)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	resp, err := service.CreateChatCompletion(ctx, req)
	if err != nil {
		err = normalizeError(err, service.Name())
		observability.RecordProviderCall(service.Name(), cache.KindChat, outcome(err), time.Since(startTime))
		return nil, err
	}
	observability.RecordProviderCall(service.Name(), cache.KindChat, outcome(nil), time.Since(startTime))
	observability.RecordTokens(service.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	s.logger.Info("chat completion served",
		zap.String("model", req.Model),
		zap.String("provider", service.Name()),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	if key != "" {
		s.store(ctx, key, resp, s.config.ResponseTTL)
	}

	return resp, nil
}

// Embeddings serves an embedding request from cache or the selected provider
func (s *InferenceService) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if req.Model == "" {
		return nil, services.InvalidRequest("model is required")
	}
	if len(req.Input) == 0 {
		return nil, services.InvalidRequest("input must not be empty")
	}

	key := s.cacheKey(cache.KindEmbedding, req)
	if key != "" {
		var cached providers.EmbeddingResponse
		hit := s.cache.Get(ctx, key, &cached)
		observability.RecordCacheLookup(cache.KindEmbedding, hit)
		if hit {
			s.logger.Debug("embeddings served from cache", zap.String("model", req.Model))
			return &cached, nil
		}
	}

	service, err := s.registry.GetServiceForModel(ctx, req.Model, req.Provider)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	resp, err := service.CreateEmbeddings(ctx, req)
	if err != nil {
		err = normalizeError(err, service.Name())
		observability.RecordProviderCall(service.Name(), cache.KindEmbedding, outcome(err), time.Since(startTime))
		return nil, err
	}
	observability.RecordProviderCall(service.Name(), cache.KindEmbedding, outcome(nil), time.Since(startTime))
	observability.RecordTokens(service.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	s.logger.Info("embeddings served",
		zap.String("model", req.Model),
		zap.String("provider", service.Name()),
		zap.Int("inputs", len(req.Input)))

	if key != "" {
		s.store(ctx, key, resp, s.config.ResponseTTL)
	}

	return resp, nil
}

// ListModels lists the models of one provider, or of every configured
// provider concurrently. Providers that fail while listing all are skipped.
func (s *InferenceService) ListModels(ctx context.Context, provider, capability string) (*ModelList, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	capability = strings.ToLower(strings.TrimSpace(capability))

	key := s.cacheKey(cache.KindModels, modelListKey{Provider: provider, Capability: capability})
	if key != "" {
		var cached ModelList
		if s.cache.Get(ctx, key, &cached) {
			return &cached, nil
		}
	}

	var all []providers.ModelInfo
	complete := true
	if provider != "" {
		service, err := s.registry.GetService(provider)
		if err != nil {
			return nil, err
		}
		all, err = service.ListModels(ctx)
		if err != nil {
			return nil, normalizeError(err, service.Name())
		}
	} else {
		all, complete = s.listAllModels(ctx)
	}

	list := &ModelList{Object: "list", Data: filterByCapability(all, capability)}

	// Partial or empty listings are not cached so recovered providers show up at once
	if key != "" && complete && len(list.Data) > 0 {
		s.store(ctx, key, list, s.config.ModelListTTL)
	}
	return list, nil
}

// listAllModels reports complete=false when any provider failed to list
func (s *InferenceService) listAllModels(ctx context.Context) ([]providers.ModelInfo, bool) {
	backends := s.registry.GetAllServices()
	results := make([][]providers.ModelInfo, len(backends))
	failed := make([]bool, len(backends))

	var g errgroup.Group
	for i, service := range backends {
		g.Go(func() error {
			listed, err := service.ListModels(ctx)
			if err != nil {
				s.logger.Warn("skipping provider while listing models",
					zap.String("provider", service.Name()),
					zap.Error(err))
				failed[i] = true
				return nil
			}
			results[i] = listed
			return nil
		})
	}
	_ = g.Wait()

	var all []providers.ModelInfo
	complete := true
	for i, listed := range results {
		all = append(all, listed...)
		if failed[i] {
			complete = false
		}
	}
	return all, complete
}

// GetModel looks a model up in one provider, or in the first configured
// provider that knows it
func (s *InferenceService) GetModel(ctx context.Context, id, provider string) (*providers.ModelInfo, error) {
	if id == "" {
		return nil, services.InvalidRequest("model id is required")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))

	key := s.cacheKey(cache.KindModel, modelKey{ID: id, Provider: provider})
	if key != "" {
		var cached providers.ModelInfo
		if s.cache.Get(ctx, key, &cached) {
			return &cached, nil
		}
	}

	info, err := s.lookupModel(ctx, id, provider)
	if err != nil {
		return nil, err
	}

	if key != "" {
		s.store(ctx, key, info, s.config.ModelInfoTTL)
	}
	return info, nil
}

func (s *InferenceService) lookupModel(ctx context.Context, id, provider string) (*providers.ModelInfo, error) {
	notFound := services.ModelNotFound(fmt.Sprintf("model '%s' not found", id)).WithDetail("model", id)

	if provider != "" {
		service, err := s.registry.GetService(provider)
		if err != nil {
			return nil, err
		}
		info, err := service.GetModelInfo(ctx, id)
		if err != nil {
			return nil, normalizeError(err, service.Name())
		}
		if info == nil {
			return nil, notFound.WithDetail("provider", provider)
		}
		return info, nil
	}

	for _, service := range s.registry.GetAllServices() {
		info, err := service.GetModelInfo(ctx, id)
		if err != nil {
			s.logger.Warn("model lookup failed",
				zap.String("provider", service.Name()),
				zap.String("model", id),
				zap.Error(err))
			continue
		}
		if info != nil {
			return info, nil
		}
	}

	return nil, notFound
}

// RegisterModelMapping adds a routing hint after checking the provider
// resolves. The hint is persisted first when a repository is configured.
func (s *InferenceService) RegisterModelMapping(ctx context.Context, model, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if model == "" {
		return services.InvalidRequest("model is required")
	}
	if provider == "" {
		return services.InvalidRequest("provider is required")
	}

	if _, err := s.registry.GetService(provider); err != nil {
		return services.NewDomainError(services.ErrorTypeInvalidRequest,
			fmt.Sprintf("provider '%s' is not available", provider), err).
			WithDetail("provider", provider)
	}

	if s.mappings != nil {
		if err := s.mappings.Create(ctx, models.NewModelMapping(model, provider)); err != nil {
			return services.WrapInternal("failed to persist model mapping", err)
		}
	}

	s.registry.RegisterProviderForModel(model, provider)

	s.logger.Info("model mapping registered",
		zap.String("model", model),
		zap.String("provider", provider))
	return nil
}

// ModelMappings returns the current hint table
func (s *InferenceService) ModelMappings() []providers.ModelMapping {
	return s.registry.HintMapping()
}

// LoadModelMappings replays persisted hints into the registry in creation order
func (s *InferenceService) LoadModelMappings(ctx context.Context) (int, error) {
	if s.mappings == nil {
		return 0, nil
	}

	stored, err := s.mappings.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load model mappings: %w", err)
	}

	for _, m := range stored {
		s.registry.RegisterProviderForModel(m.Model, m.Provider)
	}

	s.logger.Info("model mappings loaded", zap.Int("count", len(stored)))
	return len(stored), nil
}

// Health checks every configured provider concurrently. Providers that
// cannot be resolved are reported unhealthy.
func (s *InferenceService) Health(ctx context.Context) *HealthReport {
	names := s.configuredProviders()
	report := &HealthReport{Status: "ok", Providers: make([]ProviderHealth, len(names))}

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			report.Providers[i] = ProviderHealth{Provider: name}

			service, err := s.registry.GetService(name)
			if err != nil {
				s.logger.Warn("provider unavailable for health check",
					zap.String("provider", name),
					zap.Error(err))
				observability.SetProviderHealth(name, false)
				return nil
			}

			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			report.Providers[i].Healthy = service.CheckHealth(checkCtx)
			observability.SetProviderHealth(name, report.Providers[i].Healthy)
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range report.Providers {
		if !p.Healthy {
			report.Status = "degraded"
			break
		}
	}
	return report
}

func (s *InferenceService) configuredProviders() []string {
	names := append([]string{s.registry.DefaultProvider()}, s.registry.FallbackProviders()...)
	seen := make(map[string]bool, len(names))
	result := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, name)
	}
	return result
}

// cacheKey returns "" when caching is off or the body cannot be keyed
func (s *InferenceService) cacheKey(kind string, body interface{}) string {
	if !s.cache.Enabled() {
		return ""
	}
	key, err := cache.Key(kind, body)
	if err != nil {
		s.logger.Warn("failed to derive cache key", zap.String("kind", kind), zap.Error(err))
		return ""
	}
	return key
}

// store writes to the cache on a context that survives the caller's cancellation
func (s *InferenceService) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CacheWriteTimeout)
	defer cancel()
	s.cache.Set(writeCtx, key, value, ttl)
}

func filterByCapability(all []providers.ModelInfo, capability string) []providers.ModelInfo {
	result := make([]providers.ModelInfo, 0, len(all))
	for _, m := range all {
		if capability == "" || m.HasCapability(capability) {
			result = append(result, m)
		}
	}
	return result
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(services.GetErrorType(err))
}

// normalizeError keeps domain errors and classifies anything else
func normalizeError(err error, provider string) error {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Timeout("provider request timed out", err).WithDetail("provider", provider)
	}
	return services.ProviderFailure("provider request failed", err).WithDetail("provider", provider)
}
