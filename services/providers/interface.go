package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Model capabilities
const (
	CapabilityChat       = "chat"
	CapabilityEmbedding  = "embedding"
	CapabilityCompletion = "completion"
)

// Provider is the capability every backend model service implements.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable lowercase provider identifier (e.g., "ollama")
	Name() string

	// ListModels returns the models the provider currently serves
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// GetModelInfo looks a model up by case-insensitive id.
	// A missing model returns nil and no error.
	GetModelInfo(ctx context.Context, model string) (*ModelInfo, error)

	// CreateChatCompletion performs a chat completion request
	CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// CreateEmbeddings returns one vector per input, in input order
	CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// CheckHealth reports liveness. It never returns an error.
	CheckHealth(ctx context.Context) bool

	// CountTokens estimates the token count of text. It never fails.
	CountTokens(text, model string) int

	// IsCompatibleWithModel is a static check with no I/O
	IsCompatibleWithModel(model string) bool
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// Model identifier (e.g., "llama2", "ollama/mistral")
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling
	TopP *float64 `json:"top_p,omitempty"`

	// MaxTokens limits the response length
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// Stream is accepted for compatibility; responses are never streamed
	Stream bool `json:"stream,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`

	// Provider is an optional routing hint
	Provider string `json:"provider,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", "assistant" or "function"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`
}

// ChatResponse represents a unified chat completion response
type ChatResponse struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Provider string   `json:"provider"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingInput is either a single text or an ordered list of texts.
// A single text decodes as a one-element list.
type EmbeddingInput []string

// UnmarshalJSON accepts a JSON string or an array of strings
func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*in = EmbeddingInput{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	*in = EmbeddingInput(many)
	return nil
}

// EmbeddingRequest represents a unified embedding request
type EmbeddingRequest struct {
	Model    string         `json:"model"`
	Input    EmbeddingInput `json:"input"`
	User     string         `json:"user,omitempty"`
	Provider string         `json:"provider,omitempty"`
}

// EmbeddingData is a single embedding vector
type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingResponse represents a unified embedding response
type EmbeddingResponse struct {
	Object   string          `json:"object"`
	Data     []EmbeddingData `json:"data"`
	Model    string          `json:"model"`
	Provider string          `json:"provider"`
	Usage    Usage           `json:"usage"`
}

// ModelInfo contains metadata about a model
type ModelInfo struct {
	// ID is the provider-local model identifier
	ID string `json:"id"`

	// Name is the human-readable name
	Name string `json:"name"`

	// Provider that offers this model
	Provider string `json:"provider"`

	// Capabilities is a subset of chat, embedding and completion
	Capabilities []string `json:"capabilities"`

	// MaxTokens is the maximum number of tokens the model can generate
	MaxTokens int `json:"max_tokens,omitempty"`

	// ContextWindow is the total token window
	ContextWindow int `json:"context_window,omitempty"`

	// Description of the model
	Description string `json:"description,omitempty"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API
	BaseURL string

	// Timeout bounds every request to the provider
	Timeout time.Duration

	// MaxRetries for idempotent reads such as model listing
	MaxRetries int

	// RetryDelay is the initial backoff between retries
	RetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff
	MaxRetryDelay time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 10 * time.Second,
		Headers:       make(map[string]string),
	}
}

// HasCapability reports whether the model declares capability (case-insensitive)
func (m ModelInfo) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// FindModel returns the model whose id matches id case-insensitively
func FindModel(models []ModelInfo, id string) *ModelInfo {
	for i := range models {
		if strings.EqualFold(models[i].ID, id) {
			m := models[i]
			return &m
		}
	}
	return nil
}

// IsStaticallyCompatible implements the static compatibility rule shared by
// providers: the model is in defaults or carries the provider name as prefix.
func IsStaticallyCompatible(providerName string, defaults []string, model string) bool {
	lower := strings.ToLower(model)
	for _, d := range defaults {
		if strings.ToLower(d) == lower {
			return true
		}
	}
	return strings.HasPrefix(lower, strings.ToLower(providerName))
}

// ApproximateTokens estimates tokens from whitespace-delimited words
func ApproximateTokens(text string) int {
	return len(strings.Fields(text)) * 4 / 3
}
