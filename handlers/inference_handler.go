package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 10 << 20

// InferenceService defines the pipeline operations the HTTP layer calls
type InferenceService interface {
	ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
	ListModels(ctx context.Context, provider, capability string) (*inference.ModelList, error)
	GetModel(ctx context.Context, id, provider string) (*providers.ModelInfo, error)
	RegisterModelMapping(ctx context.Context, model, provider string) error
	ModelMappings() []providers.ModelMapping
	Health(ctx context.Context) *inference.HealthReport
}

// ChatCompletionRequest represents an OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	TopP        *float64      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
	Provider    string        `json:"provider,omitempty"` // Optional: override routing
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant function"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// EmbeddingRequest accepts a single text or a list of texts as input
type EmbeddingRequest struct {
	Model    string                   `json:"model" validate:"required"`
	Input    providers.EmbeddingInput `json:"input" validate:"required,min=1"`
	User     string                   `json:"user,omitempty"`
	Provider string                   `json:"provider,omitempty"`
}

// InferenceHandler handles inference-related HTTP requests
type InferenceHandler struct {
	service InferenceService
	logger  *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(service InferenceService, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *InferenceHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var chatReq ChatCompletionRequest
	if !decodeAndValidate(w, r, &chatReq, h.logger) {
		return
	}

	resp, err := h.service.ChatCompletion(ctx, chatReq.toProviderRequest())
	if err != nil {
		h.logger.Warn("chat completion failed",
			observability.RequestField(requestID),
			zap.String("model", chatReq.Model),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write chat completion response",
			observability.RequestField(requestID),
			zap.Error(err))
	}
}

// HandleEmbeddings handles POST /v1/embeddings
func (h *InferenceHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var embReq EmbeddingRequest
	if !decodeAndValidate(w, r, &embReq, h.logger) {
		return
	}

	resp, err := h.service.Embeddings(ctx, &providers.EmbeddingRequest{
		Model:    embReq.Model,
		Input:    embReq.Input,
		User:     embReq.User,
		Provider: embReq.Provider,
	})
	if err != nil {
		h.logger.Warn("embeddings failed",
			observability.RequestField(requestID),
			zap.String("model", embReq.Model),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write embeddings response",
			observability.RequestField(requestID),
			zap.Error(err))
	}
}

// decodeAndValidate parses and validates a JSON body, writing a 400 on failure
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dest interface{}, logger *zap.Logger) bool {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil {
		logger.Warn("failed to parse request body",
			observability.RequestField(requestID),
			zap.Error(err))
		writeError(w, http.StatusBadRequest, utils.CodeInvalidRequest, "Invalid request body",
			map[string]interface{}{"reason": err.Error()}, logger)
		return false
	}

	if err := utils.ValidateStruct(dest); err != nil {
		logger.Warn("request validation failed",
			observability.RequestField(requestID),
			zap.Error(err))
		HandleValidationError(w, err, logger)
		return false
	}

	return true
}

func (req *ChatCompletionRequest) toProviderRequest() *providers.ChatRequest {
	messages := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = providers.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}

	return &providers.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      req.Stream,
		User:        req.User,
		Provider:    req.Provider,
	}
}
