package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/postgres"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/ollama"
	"github.com/upb/llm-gateway/services/providers/openai"
	"github.com/upb/llm-gateway/services/ratelimit"
	"go.uber.org/zap"
)

// sweepInterval is how often in-process stores drop expired entries
const sweepInterval = time.Minute

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB          // nil when no database is configured
	Redis  redis.UniversalClient // nil when REDIS_URL is empty

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	ModelMappings repositories.ModelMappingRepository

	// Services
	Registry    *providers.Registry
	Cache       *cache.Service
	RateLimiter *ratelimit.RateLimitService
	Inference   *inference.InferenceService

	// Middleware
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimitMiddleware *middleware.RateLimitMiddleware

	stopCh  chan struct{}
	workers sync.WaitGroup
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := deps.initDatabase(ctx); err != nil {
		deps.shutdown()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initStores(ctx); err != nil {
		deps.shutdown()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	deps.initProviders()

	deps.Inference = inference.NewInferenceService(deps.Registry, deps.Cache, deps.ModelMappings, inference.Config{
		ResponseTTL: cfg.Cache.TTL,
	}, logger)

	if deps.ModelMappings != nil {
		loaded, err := deps.Inference.LoadModelMappings(ctx)
		if err != nil {
			deps.shutdown()
			return nil, fmt.Errorf("failed to load model mappings: %w", err)
		}
		logger.Info("persisted model mappings loaded", zap.Int("count", loaded))
	}

	deps.initMiddleware()

	logger.Info("all dependencies initialized successfully",
		zap.String("default_provider", deps.Registry.DefaultProvider()),
		zap.Strings("fallback_providers", deps.Registry.FallbackProviders()),
		zap.Bool("redis", deps.Redis != nil),
		zap.Bool("database", deps.DB != nil))
	return deps, nil
}

// initDatabase opens PostgreSQL when configured and prepares its schema
func (d *Dependencies) initDatabase(ctx context.Context) error {
	if !d.Config.Database.Enabled() {
		d.Logger.Info("database not configured, model mappings are kept in memory")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(d.Config.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.ModelMappings = factory.NewRepositories().ModelMappings
	return nil
}

// initStores selects Redis when configured, in-process stores otherwise
func (d *Dependencies) initStores(ctx context.Context) error {
	var (
		cacheStore   cache.Store
		counterStore ratelimit.CounterStore
	)

	if d.Config.Redis.URL != "" {
		opts, err := redis.ParseURL(d.Config.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}

		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}

		d.Redis = client
		cacheStore = cache.NewRedisStore(client)
		counterStore = ratelimit.NewRedisCounterStore(client)
		d.Logger.Info("using redis for cache and rate limit state", zap.String("addr", opts.Addr))
	} else {
		memCache := cache.NewMemoryStore(d.Config.Cache.MaxEntries)
		d.startWorker(memCache.StartCleanupWorker)
		cacheStore = memCache

		memCounters := ratelimit.NewMemoryCounterStore()
		d.startWorker(memCounters.StartCleanupWorker)
		counterStore = memCounters
	}

	d.Cache = cache.NewService(cacheStore, cache.Config{
		Enabled:    d.Config.Cache.Enabled,
		DefaultTTL: d.Config.Cache.TTL,
	}, d.Logger)

	d.RateLimiter = ratelimit.NewRateLimitService(counterStore, ratelimit.Config{
		Enabled:     d.Config.RateLimit.Enabled,
		MaxRequests: d.Config.RateLimit.MaxRequests,
		Window:      d.Config.RateLimit.Window,
	}, d.Logger)

	return nil
}

// startWorker runs a sweep loop in the background until stopCh closes
func (d *Dependencies) startWorker(run func(interval time.Duration, stopCh <-chan struct{})) {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		run(sweepInterval, d.stopCh)
	}()
}

// initProviders builds the registry and registers a constructor per provider.
// Constructors run lazily on first use.
func (d *Dependencies) initProviders() {
	routing := d.Config.Routing
	mappings := make([]providers.ModelMapping, len(routing.ModelMappings))
	for i, m := range routing.ModelMappings {
		mappings[i] = providers.ModelMapping{Provider: m.Provider, Models: m.Models}
	}

	d.Registry = providers.NewRegistry(providers.RegistryConfig{
		DefaultProvider:   routing.DefaultProvider,
		FallbackProviders: routing.FallbackProviders,
		ModelMappings:     mappings,
	}, d.Logger)

	ollamaCfg := d.Config.Providers.Ollama
	d.Registry.RegisterConstructor(ollama.ProviderName, func() (providers.Provider, error) {
		pc := providers.DefaultProviderConfig()
		pc.BaseURL = ollamaCfg.BaseURL
		pc.Timeout = ollamaCfg.Timeout
		pc.MaxRetries = ollamaCfg.MaxRetries
		return ollama.NewOllamaAdapter(pc, d.Logger), nil
	})

	openaiCfg := d.Config.Providers.OpenAI
	d.Registry.RegisterConstructor(openai.ProviderName, func() (providers.Provider, error) {
		pc := providers.DefaultProviderConfig()
		pc.APIKey = openaiCfg.APIKey
		pc.BaseURL = openaiCfg.BaseURL
		pc.Timeout = openaiCfg.Timeout
		pc.MaxRetries = openaiCfg.MaxRetries
		return openai.NewOpenAIAdapter(pc, d.Logger)
	})
}

// initMiddleware builds the authentication and rate limit middleware
func (d *Dependencies) initMiddleware() {
	auth := d.Config.Auth

	var validator middleware.TokenValidator
	if auth.JWTSecret != "" {
		validator = middleware.NewHMACValidator(auth.JWTSecret)
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(auth.APIKeyHeader, auth.APIKeys, validator, d.Logger)
	d.RateLimitMiddleware = middleware.NewRateLimitMiddleware(d.RateLimiter, d.Logger)
}

// Close gracefully closes all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("closing dependencies")

	errs := d.shutdown()

	select {
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	default:
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}

	d.Logger.Info("all dependencies closed successfully")
	return nil
}

// shutdown stops sweep workers, waits for them to exit and releases connections. It is safe to call twice.
func (d *Dependencies) shutdown() []error {
	var errs []error

	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.workers.Wait()

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
		d.Redis = nil
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
		d.RepoFactory = nil
		d.DB = nil
	}

	return errs
}
