package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/middleware"
	"go.uber.org/zap/zaptest"
)

// fakeOllama serves the subset of the Ollama API the gateway calls
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "llama3.2:1b"}, {"name": "nomic-embed-text"}},
		})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":             "llama3.2:1b",
			"message":           map[string]string{"role": "assistant", "content": "pong"},
			"done":              true,
			"prompt_eval_count": 3,
			"eval_count":        1,
		})
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float64{0.1, 0.2}})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRouter(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()

	cfg := testConfig(fakeOllama(t).URL)
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	deps, err := app.NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(ctx) })

	return SetupRoutes(deps)
}

func serve(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPublicEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body map[string]interface{})
	}{
		{
			name:   "root",
			path:   "/",
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "test", body["version"])
			},
		},
		{
			name:   "health",
			path:   "/health",
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "ok", body["status"])
				assert.NotEmpty(t, body["timestamp"])
			},
		},
		{
			name:   "readiness without database",
			path:   "/health/ready",
			status: http.StatusOK,
		},
		{
			name:   "provider health",
			path:   "/health/providers",
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "ok", body["status"])
			},
		},
		{
			name:   "unknown route",
			path:   "/nope",
			status: http.StatusNotFound,
			check: func(t *testing.T, body map[string]interface{}) {
				errBody := body["error"].(map[string]interface{})
				assert.Equal(t, "not_found", errBody["code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodGet, tt.path, "", nil)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
			assert.NotEmpty(t, w.Header().Get(middleware.ProcessingTimeHeader))
			if tt.check != nil {
				tt.check(t, decode(t, w))
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		router := newTestRouter(t, nil)

		serve(router, http.MethodGet, "/health", "", nil)
		w := serve(router, http.MethodGet, "/metrics", "", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "llm_gateway_api_requests_total")
	})

	t.Run("disabled", func(t *testing.T) {
		router := newTestRouter(t, func(cfg *config.Config) {
			cfg.Observability.MetricsEnabled = false
		})

		w := serve(router, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestInferenceEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	t.Run("chat completion", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/v1/chat/completions",
			`{"model":"llama3.2:1b","messages":[{"role":"user","content":"ping"}]}`, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body := decode(t, w)
		assert.Equal(t, "ollama", body["provider"])
		choices := body["choices"].([]interface{})
		require.Len(t, choices, 1)
		message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
		assert.Equal(t, "pong", message["content"])
	})

	t.Run("chat validation", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/v1/chat/completions", `{"model":"llama2","messages":[]}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("embeddings", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/v1/embeddings", `{"model":"llama2","input":"hi"}`, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body := decode(t, w)
		assert.Len(t, body["data"], 1)
	})

	t.Run("model lookup with colon", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/v1/models/llama3.2:1b?provider=ollama", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "llama3.2:1b", decode(t, w)["id"])
	})

	t.Run("model list", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/v1/models?provider=ollama", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "list", decode(t, w)["object"])
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/v1/chat/completions", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestModelMappingEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	w := serve(router, http.MethodPost, "/v1/model-mappings", `{"model":"my-llama","provider":"ollama"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = serve(router, http.MethodGet, "/v1/model-mappings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"my-llama"`)

	w = serve(router, http.MethodPost, "/v1/model-mappings", `{"model":"my-llama"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthentication(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKeys = []string{"secret-key"}
	})

	t.Run("public path", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/v1/model-mappings", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "authentication_error", decode(t, w)["error"].(map[string]interface{})["code"])
	})

	t.Run("valid key", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/v1/model-mappings", "", map[string]string{"X-API-Key": "secret-key"})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRateLimiting(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.RateLimit.MaxRequests = 2
		cfg.Auth.Enabled = true
		cfg.Auth.APIKeys = []string{"client-a", "client-b"}
	})

	headers := map[string]string{"X-API-Key": "client-a"}
	for i := 0; i < 2; i++ {
		w := serve(router, http.MethodGet, "/v1/model-mappings", "", headers)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := serve(router, http.MethodGet, "/v1/model-mappings", "", headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Other identities and public paths are unaffected
	w = serve(router, http.MethodGet, "/v1/model-mappings", "", map[string]string{"X-API-Key": "client-b"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(router, http.MethodGet, "/health", "", headers)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitingWithoutAuth(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.RateLimit.MaxRequests = 1
	})

	// Unauthenticated key headers do not create separate identities
	w := serve(router, http.MethodGet, "/v1/model-mappings", "", map[string]string{"X-API-Key": "made-up-0"})
	require.Equal(t, http.StatusOK, w.Code)
	w = serve(router, http.MethodGet, "/v1/model-mappings", "", map[string]string{"X-API-Key": "made-up-1"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCORS(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func testConfig(ollamaURL string) *config.Config {
	return &config.Config{
		Environment: "test",
		Version:     "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8000,
			ShutdownTimeout: 5 * time.Second,
		},
		Auth: config.AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: config.RateLimitConfig{
			Enabled:     true,
			MaxRequests: 100,
			Window:      time.Minute,
		},
		Cache: config.CacheConfig{
			Enabled:    true,
			TTL:        time.Minute,
			MaxEntries: 100,
		},
		Routing: config.RoutingConfig{
			DefaultProvider: "ollama",
			ModelMappings: []config.ModelMapping{
				{Provider: "ollama", Models: config.BuiltinOllamaModels},
			},
		},
		Providers: config.ProvidersConfig{
			Ollama: config.OllamaConfig{
				BaseURL: ollamaURL,
				Timeout: 2 * time.Second,
			},
		},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}
