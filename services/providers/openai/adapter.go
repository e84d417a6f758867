package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

const (
	// ProviderName is the registry key of the OpenAI-compatible provider
	ProviderName = "openai"

	defaultBaseURL  = "https://api.openai.com/v1"
	defaultEncoding = "cl100k_base"
)

// ErrMissingAPIKey is returned by NewOpenAIAdapter when no key is configured
var ErrMissingAPIKey = errors.New("openai api key is required")

// defaultModels describes the models assumed available when the endpoint
// returns an empty list
var defaultModels = []providers.ModelInfo{
	chatModel("gpt-4o", "GPT-4o", 16384, 128000),
	chatModel("gpt-4o-mini", "GPT-4o Mini", 16384, 128000),
	chatModel("gpt-4-turbo", "GPT-4 Turbo", 4096, 128000),
	chatModel("gpt-3.5-turbo", "GPT-3.5 Turbo", 4096, 16385),
	embeddingModel("text-embedding-3-small", "Text Embedding 3 Small"),
	embeddingModel("text-embedding-3-large", "Text Embedding 3 Large"),
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// OpenAIAdapter implements the Provider interface for OpenAI and any
// endpoint that speaks its API
type OpenAIAdapter struct {
	config providers.ProviderConfig
	client *goopenai.Client
	logger *zap.Logger
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig, logger *zap.Logger) (*OpenAIAdapter, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	clientConfig := goopenai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	clientConfig.HTTPClient = &http.Client{
		Timeout:   config.Timeout,
		Transport: &headerTransport{headers: config.Headers, base: http.DefaultTransport},
	}

	return &OpenAIAdapter{
		config: config,
		client: goopenai.NewClientWithConfig(clientConfig),
		logger: logger.With(zap.String("provider", ProviderName)),
	}, nil
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return ProviderName
}

// ListModels returns the models reported by the endpoint
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, a.mapError(err, "")
	}

	if len(list.Models) == 0 {
		return append([]providers.ModelInfo(nil), defaultModels...), nil
	}

	models := make([]providers.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if known := providers.FindModel(defaultModels, m.ID); known != nil {
			models = append(models, *known)
			continue
		}
		if strings.Contains(m.ID, "embedding") {
			models = append(models, embeddingModel(m.ID, m.ID))
		} else {
			models = append(models, chatModel(m.ID, m.ID, 0, 0))
		}
	}
	return models, nil
}

// GetModelInfo returns information about a specific model
func (a *OpenAIAdapter) GetModelInfo(ctx context.Context, model string) (*providers.ModelInfo, error) {
	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	return providers.FindModel(models, model), nil
}

// CreateChatCompletion performs a chat completion request
func (a *OpenAIAdapter) CreateChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	resp, err := a.client.CreateChatCompletion(ctx, buildChatRequest(req))
	if err != nil {
		a.logger.Error("chat completion failed",
			zap.String("model", req.Model),
			zap.Error(err))
		return nil, a.mapError(err, req.Model)
	}

	a.logger.Debug("chat completion finished",
		zap.String("model", req.Model),
		zap.Duration("latency", time.Since(startTime)))

	return convertChatResponse(resp), nil
}

// CreateEmbeddings sends all inputs in one request and restores input order
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	resp, err := a.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{
		Input: []string(req.Input),
		Model: goopenai.EmbeddingModel(req.Model),
		User:  req.User,
	})
	if err != nil {
		a.logger.Error("embedding failed",
			zap.String("model", req.Model),
			zap.Int("inputs", len(req.Input)),
			zap.Error(err))
		return nil, a.mapError(err, req.Model)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vector := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			vector[j] = float64(v)
		}
		data[i] = providers.EmbeddingData{Object: "embedding", Embedding: vector, Index: d.Index}
	}

	return &providers.EmbeddingResponse{
		Object:   "list",
		Data:     data,
		Model:    req.Model,
		Provider: ProviderName,
		Usage: providers.Usage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// CheckHealth reports whether the models endpoint answers
func (a *OpenAIAdapter) CheckHealth(ctx context.Context) bool {
	if _, err := a.client.ListModels(ctx); err != nil {
		a.logger.Debug("health check failed", zap.Error(err))
		return false
	}
	return true
}

// CountTokens uses the cl100k_base encoding, falling back to the word
// approximation when the encoding cannot be loaded within tokenLoadTimeout
func (a *OpenAIAdapter) CountTokens(text, model string) int {
	encodingOnce.Do(func() {
		tiktoken.SetBpeLoader(newBPELoader(tokenLoadTimeout))
		enc, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			a.logger.Warn("token encoding unavailable, approximating", zap.Error(err))
			return
		}
		encoding = enc
	})

	if encoding == nil {
		return providers.ApproximateTokens(text)
	}
	return len(encoding.Encode(text, nil, nil))
}

// IsCompatibleWithModel reports whether model is a default OpenAI model or
// carries the "openai" prefix
func (a *OpenAIAdapter) IsCompatibleWithModel(model string) bool {
	ids := make([]string, len(defaultModels))
	for i, m := range defaultModels {
		ids[i] = m.ID
	}
	return providers.IsStaticallyCompatible(ProviderName, ids, model)
}

// mapError converts client errors into the gateway taxonomy
func (a *OpenAIAdapter) mapError(err error, model string) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusNotFound:
			return services.ModelNotFound(fmt.Sprintf("model not found: %s", model)).
				WithDetail("provider", ProviderName)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return services.Timeout("request to OpenAI timed out", err).WithDetail("provider", ProviderName)
		default:
			return services.ProviderFailure(
				fmt.Sprintf("error from OpenAI API (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message), err,
			).WithDetail("provider", ProviderName).WithDetail("status_code", apiErr.HTTPStatusCode)
		}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return services.ProviderFailure(
			fmt.Sprintf("error from OpenAI API (status %d)", reqErr.HTTPStatusCode), err,
		).WithDetail("provider", ProviderName).WithDetail("status_code", reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return services.Timeout("request to OpenAI timed out", err).WithDetail("provider", ProviderName)
	}

	return services.ServiceUnavailable("OpenAI service unavailable", err).WithDetail("provider", ProviderName)
}

// buildChatRequest converts a unified request to the client format
func buildChatRequest(req *providers.ChatRequest) goopenai.ChatCompletionRequest {
	openaiReq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]goopenai.ChatCompletionMessage, len(req.Messages)),
		Stop:     req.Stop,
		User:     req.User,
	}

	for i, msg := range req.Messages {
		openaiReq.Messages[i] = goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		}
	}

	if req.Temperature != nil {
		openaiReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		openaiReq.TopP = float32(*req.TopP)
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}

	return openaiReq
}

// convertChatResponse converts a client response to the unified format
func convertChatResponse(resp goopenai.ChatCompletionResponse) *providers.ChatResponse {
	out := &providers.ChatResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  resp.Created,
		Model:    resp.Model,
		Provider: ProviderName,
		Choices:  make([]providers.Choice, len(resp.Choices)),
		Usage: providers.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for i, choice := range resp.Choices {
		out.Choices[i] = providers.Choice{
			Index: choice.Index,
			Message: providers.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
				Name:    choice.Message.Name,
			},
			FinishReason: string(choice.FinishReason),
		}
	}

	return out
}

func chatModel(id, name string, maxTokens, contextWindow int) providers.ModelInfo {
	return providers.ModelInfo{
		ID:            id,
		Name:          name,
		Provider:      ProviderName,
		Capabilities:  []string{providers.CapabilityChat, providers.CapabilityCompletion},
		MaxTokens:     maxTokens,
		ContextWindow: contextWindow,
		Description:   "OpenAI model: " + id,
	}
}

func embeddingModel(id, name string) providers.ModelInfo {
	return providers.ModelInfo{
		ID:            id,
		Name:          name,
		Provider:      ProviderName,
		Capabilities:  []string{providers.CapabilityEmbedding},
		ContextWindow: 8191,
		Description:   "OpenAI embedding model: " + id,
	}
}

// headerTransport adds configured headers to every outgoing request
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
