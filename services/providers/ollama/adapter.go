package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

const (
	// ProviderName is the registry key of the Ollama provider
	ProviderName = "ollama"

	defaultBaseURL      = "http://localhost:11434"
	defaultTokenLimit   = 4096
	defaultFinishReason = "stop"
)

// DefaultModels are served when Ollama reports an empty model list and are
// always considered compatible.
var DefaultModels = []string{"llama2", "mistral", "codellama", "phi", "gemma", "llama3.2:1b"}

// OllamaAdapter implements the Provider interface for a local Ollama runtime
type OllamaAdapter struct {
	config providers.ProviderConfig
	client *resty.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewOllamaAdapter creates a new Ollama adapter
func NewOllamaAdapter(config providers.ProviderConfig, logger *zap.Logger) *OllamaAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetLogger(logger.Sugar())
	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	return &OllamaAdapter{
		config: config,
		client: client,
		logger: logger.With(zap.String("provider", ProviderName)),
		now:    time.Now,
	}
}

// Name returns the provider name
func (a *OllamaAdapter) Name() string {
	return ProviderName
}

// ListModels returns the models installed in Ollama. Connection failures are
// retried with exponential backoff; other failures are returned as-is.
func (a *OllamaAdapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	var tags tagsResponse

	operation := func() error {
		err := a.do(ctx, http.MethodGet, "/api/tags", nil, &tags)
		if err != nil && !services.IsServiceUnavailableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		a.logger.Warn("listing models failed, retrying",
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, a.retryPolicy(ctx), notify); err != nil {
		return nil, err
	}

	models := make([]providers.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, modelInfo(m.Name))
	}

	if len(models) == 0 {
		for _, name := range DefaultModels {
			models = append(models, modelInfo(name))
		}
	}

	return models, nil
}

// GetModelInfo returns information about a specific model
func (a *OllamaAdapter) GetModelInfo(ctx context.Context, model string) (*providers.ModelInfo, error) {
	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	return providers.FindModel(models, model), nil
}

// CreateChatCompletion performs a chat completion request
func (a *OllamaAdapter) CreateChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := a.now()

	ollamaReq := a.buildChatRequest(req)

	var ollamaResp chatResponse
	if err := a.do(ctx, http.MethodPost, "/api/chat", ollamaReq, &ollamaResp); err != nil {
		a.logger.Error("chat completion failed",
			zap.String("model", req.Model),
			zap.Error(err))
		return nil, err
	}

	a.logger.Debug("chat completion finished",
		zap.String("model", req.Model),
		zap.Duration("latency", a.now().Sub(startTime)))

	return a.convertChatResponse(&ollamaResp, req), nil
}

// CreateEmbeddings requests one embedding per input, in input order
func (a *OllamaAdapter) CreateEmbeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	data := make([]providers.EmbeddingData, 0, len(req.Input))
	totalTokens := 0

	for i, text := range req.Input {
		var embResp embeddingResponse
		body := embeddingRequest{Model: req.Model, Prompt: text}
		if err := a.do(ctx, http.MethodPost, "/api/embeddings", body, &embResp); err != nil {
			a.logger.Error("embedding failed",
				zap.String("model", req.Model),
				zap.Int("index", i),
				zap.Error(err))
			return nil, err
		}

		tokens := embResp.TokenCount
		if tokens == 0 {
			tokens = a.CountTokens(text, req.Model)
		}
		totalTokens += tokens

		data = append(data, providers.EmbeddingData{
			Object:    "embedding",
			Embedding: embResp.Embedding,
			Index:     i,
		})
	}

	return &providers.EmbeddingResponse{
		Object:   "list",
		Data:     data,
		Model:    req.Model,
		Provider: ProviderName,
		Usage: providers.Usage{
			PromptTokens: totalTokens,
			TotalTokens:  totalTokens,
		},
	}, nil
}

// CheckHealth reports whether Ollama answers the tags endpoint
func (a *OllamaAdapter) CheckHealth(ctx context.Context) bool {
	resp, err := a.client.R().SetContext(ctx).Get("/api/tags")
	if err != nil {
		a.logger.Debug("health check failed", zap.Error(err))
		return false
	}
	return resp.StatusCode() == http.StatusOK
}

// CountTokens approximates the token count; Ollama has no tokenize endpoint
func (a *OllamaAdapter) CountTokens(text, model string) int {
	return providers.ApproximateTokens(text)
}

// IsCompatibleWithModel reports whether model is a default Ollama model or
// carries the "ollama" prefix.
func (a *OllamaAdapter) IsCompatibleWithModel(model string) bool {
	return providers.IsStaticallyCompatible(ProviderName, DefaultModels, model)
}

// FormatPrompt renders messages as a tagged transcript ending with an open
// assistant turn. Unknown roles are skipped.
func FormatPrompt(messages []providers.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		var tag string
		switch strings.ToLower(msg.Role) {
		case "system":
			tag = "system"
		case "user":
			tag = "human"
		case "assistant":
			tag = "assistant"
		default:
			continue
		}
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n", tag, msg.Content, tag)
	}
	b.WriteString("<assistant>\n")
	return b.String()
}

func (a *OllamaAdapter) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if a.config.RetryDelay > 0 {
		exp.InitialInterval = a.config.RetryDelay
	}
	if a.config.MaxRetryDelay > 0 {
		exp.MaxInterval = a.config.MaxRetryDelay
	}

	retries := a.config.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// do executes a request and decodes a JSON reply into out, mapping failures
// onto the gateway error taxonomy.
func (a *OllamaAdapter) do(ctx context.Context, method, path string, body, out interface{}) error {
	request := a.client.R().SetContext(ctx)
	if body != nil {
		request.SetBody(body)
	}

	resp, err := request.Execute(method, path)
	if err != nil {
		return a.transportError(err)
	}

	if resp.IsError() {
		return a.statusError(resp)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return services.ProviderFailure("invalid response from Ollama", err)
	}
	return nil
}

func (a *OllamaAdapter) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return services.Timeout("request to Ollama timed out", err).WithDetail("provider", ProviderName)
	}
	return services.ServiceUnavailable("Ollama service unavailable", err).WithDetail("provider", ProviderName)
}

func (a *OllamaAdapter) statusError(resp *resty.Response) error {
	var errResp errorResponse
	message := strings.TrimSpace(resp.String())
	if err := json.Unmarshal(resp.Body(), &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}

	if resp.StatusCode() == http.StatusNotFound {
		return services.ModelNotFound(fmt.Sprintf("model not found: %s", message)).
			WithDetail("provider", ProviderName)
	}

	return services.ProviderFailure(
		fmt.Sprintf("error from Ollama API (status %d): %s", resp.StatusCode(), message), nil,
	).WithDetail("provider", ProviderName).WithDetail("status_code", resp.StatusCode())
}

// buildChatRequest converts a unified request to the Ollama format
func (a *OllamaAdapter) buildChatRequest(req *providers.ChatRequest) *chatRequest {
	ollamaReq := &chatRequest{
		Model:    req.Model,
		Messages: make([]chatMessage, len(req.Messages)),
		Stream:   false,
	}

	for i, msg := range req.Messages {
		ollamaReq.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}

	opts := &chatOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		NumPredict:  req.MaxTokens,
		Stop:        req.Stop,
	}
	if opts.Temperature != nil || opts.TopP != nil || opts.NumPredict != nil || len(opts.Stop) > 0 {
		ollamaReq.Options = opts
	}

	return ollamaReq
}

// convertChatResponse converts an Ollama reply to the unified format
func (a *OllamaAdapter) convertChatResponse(resp *chatResponse, req *providers.ChatRequest) *providers.ChatResponse {
	created := a.now().Unix()

	return &providers.ChatResponse{
		ID:       fmt.Sprintf("ollama-%d", created),
		Object:   "chat.completion",
		Created:  created,
		Model:    req.Model,
		Provider: ProviderName,
		Choices: []providers.Choice{
			{
				Index:        0,
				Message:      providers.Message{Role: "assistant", Content: resp.Message.Content},
				FinishReason: defaultFinishReason,
			},
		},
		Usage: providers.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

func modelInfo(name string) providers.ModelInfo {
	return providers.ModelInfo{
		ID:            name,
		Name:          name,
		Provider:      ProviderName,
		Capabilities:  []string{providers.CapabilityChat, providers.CapabilityEmbedding},
		MaxTokens:     defaultTokenLimit,
		ContextWindow: defaultTokenLimit,
		Description:   "Ollama model: " + name,
	}
}

// Ollama-specific request/response types

type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding  []float64 `json:"embedding"`
	TokenCount int       `json:"token_count,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
