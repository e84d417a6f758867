package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/services"
	"go.uber.org/zap"
)

var errUnreachable = services.ServiceUnavailable("connection refused", errors.New("dial tcp"))

func newTestRegistry(t *testing.T, config RegistryConfig, providers ...*MockProvider) *Registry {
	t.Helper()

	registry := NewRegistry(config, zap.NewNop())
	for _, p := range providers {
		p := p
		registry.RegisterConstructor(p.Name(), func() (Provider, error) { return p, nil })
	}
	return registry
}

func TestRegistry_GetService(t *testing.T) {
	alpha := NewMockProvider("alpha")
	registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "Alpha"}, alpha)

	t.Run("empty name resolves default", func(t *testing.T) {
		service, err := registry.GetService("")
		require.NoError(t, err)
		assert.Same(t, alpha, service)
	})

	t.Run("name is case-normalized", func(t *testing.T) {
		service, err := registry.GetService("ALPHA")
		require.NoError(t, err)
		assert.Same(t, alpha, service)
	})

	t.Run("unknown provider is service unavailable", func(t *testing.T) {
		service, err := registry.GetService("nope")
		assert.Nil(t, service)
		require.Error(t, err)
		assert.True(t, services.IsServiceUnavailableError(err))
		assert.ErrorIs(t, err, ErrProviderNotFound)
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("constructor failure is service unavailable", func(t *testing.T) {
		registry.RegisterConstructor("broken", func() (Provider, error) {
			return nil, errors.New("missing api key")
		})

		_, err := registry.GetService("broken")
		require.Error(t, err)
		assert.True(t, services.IsServiceUnavailableError(err))
	})
}

func TestRegistry_GetService_ConstructsOncePerName(t *testing.T) {
	var constructed atomic.Int32
	registry := NewRegistry(RegistryConfig{DefaultProvider: "alpha"}, zap.NewNop())
	registry.RegisterConstructor("alpha", func() (Provider, error) {
		constructed.Add(1)
		return NewMockProvider("alpha"), nil
	})

	const workers = 50
	results := make([]Provider, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			service, err := registry.GetService("alpha")
			assert.NoError(t, err)
			results[i] = service
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), constructed.Load())
	for _, service := range results {
		assert.Same(t, results[0], service)
	}
}

func TestRegistry_IndependentInstances(t *testing.T) {
	build := func() *Registry {
		r := NewRegistry(RegistryConfig{DefaultProvider: "alpha"}, zap.NewNop())
		r.RegisterConstructor("alpha", func() (Provider, error) { return NewMockProvider("alpha"), nil })
		return r
	}

	first, err := build().GetService("alpha")
	require.NoError(t, err)
	second, err := build().GetService("alpha")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
}

func TestRegistry_GetServiceForModel(t *testing.T) {
	ctx := context.Background()

	t.Run("hint mapping wins over default", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels()
		beta := NewMockProvider("beta").SetModels("custom-model")
		registry := newTestRegistry(t, RegistryConfig{
			DefaultProvider: "alpha",
			ModelMappings:   []ModelMapping{{Provider: "beta", Models: []string{"custom-model"}}},
		}, alpha, beta)

		service, err := registry.GetServiceForModel(ctx, "custom-model", "")
		require.NoError(t, err)
		assert.Same(t, beta, service)
	})

	t.Run("preferred provider wins when compatible", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels("shared")
		beta := NewMockProvider("beta").SetModels("shared")
		registry := newTestRegistry(t, RegistryConfig{
			DefaultProvider: "alpha",
			ModelMappings:   []ModelMapping{{Provider: "alpha", Models: []string{"shared"}}},
		}, alpha, beta)

		service, err := registry.GetServiceForModel(ctx, "shared", "BETA")
		require.NoError(t, err)
		assert.Same(t, beta, service)
	})

	t.Run("unknown preferred provider falls through", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels("m")
		registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "alpha"}, alpha)

		service, err := registry.GetServiceForModel(ctx, "m", "typo")
		require.NoError(t, err)
		assert.Same(t, alpha, service)
	})

	t.Run("incompatible preferred provider falls through", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels("m")
		beta := NewMockProvider("beta").SetModels("other")
		registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "alpha"}, alpha, beta)

		service, err := registry.GetServiceForModel(ctx, "m", "beta")
		require.NoError(t, err)
		assert.Same(t, alpha, service)
	})

	t.Run("unreachable default falls back in order", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetListError(errUnreachable)
		beta := NewMockProvider("beta").SetModels("x")
		gamma := NewMockProvider("gamma").SetModels("x")
		registry := newTestRegistry(t, RegistryConfig{
			DefaultProvider:   "alpha",
			FallbackProviders: []string{"beta", "gamma"},
		}, alpha, beta, gamma)

		service, err := registry.GetServiceForModel(ctx, "x", "")
		require.NoError(t, err)
		assert.Same(t, beta, service)
	})

	t.Run("later fallback used when preferred and default unavailable", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetListError(errUnreachable)
		gamma := NewMockProvider("gamma").SetModels("x")
		registry := newTestRegistry(t, RegistryConfig{
			DefaultProvider:   "alpha",
			FallbackProviders: []string{"missing", "gamma"},
		}, alpha, gamma)

		service, err := registry.GetServiceForModel(ctx, "x", "unregistered")
		require.NoError(t, err)
		assert.Same(t, gamma, service)
	})

	t.Run("exhausted candidates is model not found", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels("a")
		beta := NewMockProvider("beta").SetListError(errUnreachable)
		registry := newTestRegistry(t, RegistryConfig{
			DefaultProvider:   "alpha",
			FallbackProviders: []string{"beta"},
		}, alpha, beta)

		service, err := registry.GetServiceForModel(ctx, "unknown-model", "")
		assert.Nil(t, service)
		require.Error(t, err)
		assert.True(t, services.IsModelNotFoundError(err))
		assert.Contains(t, err.Error(), "unknown-model")
	})

	t.Run("live listing match is case-insensitive", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels("Mixtral-8x7B")
		registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "alpha"}, alpha)

		service, err := registry.GetServiceForModel(ctx, "mixtral-8x7b", "")
		require.NoError(t, err)
		assert.Same(t, alpha, service)
	})

	t.Run("static match skips model listing", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetDefaults("llama2")
		registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "alpha"}, alpha)

		_, err := registry.GetServiceForModel(ctx, "alpha/llama2", "")
		require.NoError(t, err)
		_, err = registry.GetServiceForModel(ctx, "LLAMA2", "")
		require.NoError(t, err)

		assert.Equal(t, int32(0), alpha.listCalls.Load())
	})

	t.Run("rejected provider is not evaluated twice", func(t *testing.T) {
		alpha := NewMockProvider("alpha").SetModels()
		registry := newTestRegistry(t, RegistryConfig{
			DefaultProvider:   "alpha",
			FallbackProviders: []string{"alpha"},
		}, alpha)

		_, err := registry.GetServiceForModel(ctx, "x", "alpha")
		require.Error(t, err)
		assert.Equal(t, int32(1), alpha.listCalls.Load())
	})
}

func TestRegistry_EndToEndFallback(t *testing.T) {
	alpha := NewMockProvider("alpha").SetListError(errUnreachable)
	beta := NewMockProvider("beta").SetModels("x")
	registry := newTestRegistry(t, RegistryConfig{
		DefaultProvider:   "alpha",
		FallbackProviders: []string{"beta"},
	}, alpha, beta)

	_, mapped := registry.GetProviderForModel("x")
	require.False(t, mapped)

	service, err := registry.GetServiceForModel(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, "beta", service.Name())
}

func TestRegistry_CompatibilityNeverBlocks(t *testing.T) {
	stalled := NewMockProvider("stalled").SetDefaults("llama2").SetListBlocks()
	registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "stalled"}, stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.True(t, stalled.IsCompatibleWithModel("llama2"))
		assert.True(t, stalled.IsCompatibleWithModel("stalled/anything"))

		service, err := registry.GetServiceForModel(context.Background(), "llama2", "")
		assert.NoError(t, err)
		assert.Same(t, stalled, service)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("compatibility check blocked")
	}
	assert.Equal(t, int32(0), stalled.listCalls.Load())
}

func TestRegistry_ListingRespectsContext(t *testing.T) {
	stalled := NewMockProvider("stalled").SetListBlocks()
	registry := newTestRegistry(t, RegistryConfig{DefaultProvider: "stalled"}, stalled)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := registry.GetServiceForModel(ctx, "not-static", "")
	require.Error(t, err)
	assert.True(t, services.IsModelNotFoundError(err))
}

func TestRegistry_GetAllServices(t *testing.T) {
	alpha := NewMockProvider("alpha")
	beta := NewMockProvider("beta")
	registry := newTestRegistry(t, RegistryConfig{
		DefaultProvider:   "alpha",
		FallbackProviders: []string{"missing", "BETA", "alpha"},
	}, alpha, beta)

	all := registry.GetAllServices()
	require.Len(t, all, 2)
	assert.Same(t, alpha, all[0])
	assert.Same(t, beta, all[1])
}

func TestRegistry_RegisterProviderForModel(t *testing.T) {
	registry := NewRegistry(RegistryConfig{DefaultProvider: "alpha"}, zap.NewNop())

	registry.RegisterProviderForModel("custom-model", "Alpha")
	registry.RegisterProviderForModel("custom-model", "alpha")
	registry.RegisterProviderForModel("second", "alpha")

	provider, ok := registry.GetProviderForModel("custom-model")
	require.True(t, ok)
	assert.Equal(t, "alpha", provider)

	mapping := registry.HintMapping()
	require.Len(t, mapping, 1)
	assert.Equal(t, []string{"custom-model", "second"}, mapping[0].Models)

	t.Run("mapping key match is case-sensitive", func(t *testing.T) {
		_, ok := registry.GetProviderForModel("CUSTOM-MODEL")
		assert.False(t, ok)
	})

	t.Run("returned mapping is a copy", func(t *testing.T) {
		mapping[0].Models[0] = "mutated"
		provider, ok := registry.GetProviderForModel("custom-model")
		assert.True(t, ok)
		assert.Equal(t, "alpha", provider)
	})
}

func TestRegistry_GetProviderForModel_InsertionOrder(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		ModelMappings: []ModelMapping{
			{Provider: "zeta", Models: []string{"shared"}},
			{Provider: "alpha", Models: []string{"shared"}},
		},
	}, zap.NewNop())

	for i := 0; i < 20; i++ {
		provider, ok := registry.GetProviderForModel("shared")
		require.True(t, ok)
		assert.Equal(t, "zeta", provider)
	}
}

func TestRegistry_ProviderNames(t *testing.T) {
	registry := newTestRegistry(t, RegistryConfig{},
		NewMockProvider("ollama"), NewMockProvider("anthropic"))

	assert.Equal(t, []string{"anthropic", "ollama"}, registry.ProviderNames())
}

func TestNewRegistry_NormalizesFallbacks(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		DefaultProvider:   "Ollama",
		FallbackProviders: []string{" OpenAI ", "", "beta"},
	}, zap.NewNop())

	assert.Equal(t, "ollama", registry.DefaultProvider())
	assert.Equal(t, []string{"openai", "beta"}, registry.FallbackProviders())
}
