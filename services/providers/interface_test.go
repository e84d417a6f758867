package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockProvider is a test implementation of the Provider interface
type MockProvider struct {
	name          string
	defaults      []string
	models        []string
	listErr       error
	listBlocks    bool
	healthy       bool
	listCalls     atomic.Int32
	chatCalls     atomic.Int32
	responseDelay time.Duration
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:    name,
		healthy: true,
		models:  []string{"mock-model-1", "mock-model-2"},
	}
}

// Helper methods for testing
func (m *MockProvider) SetModels(models ...string) *MockProvider {
	m.models = models
	return m
}

func (m *MockProvider) SetDefaults(models ...string) *MockProvider {
	m.defaults = models
	return m
}

func (m *MockProvider) SetListError(err error) *MockProvider {
	m.listErr = err
	return m
}

// SetListBlocks makes ListModels wait until its context is cancelled
func (m *MockProvider) SetListBlocks() *MockProvider {
	m.listBlocks = true
	return m
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	m.listCalls.Add(1)
	if m.listBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.listErr != nil {
		return nil, m.listErr
	}

	models := make([]ModelInfo, 0, len(m.models))
	for _, id := range m.models {
		models = append(models, ModelInfo{
			ID:           id,
			Name:         id,
			Provider:     m.name,
			Capabilities: []string{CapabilityChat},
		})
	}
	return models, nil
}

func (m *MockProvider) GetModelInfo(ctx context.Context, model string) (*ModelInfo, error) {
	models, err := m.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	return FindModel(models, model), nil
}

func (m *MockProvider) CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.chatCalls.Add(1)
	if m.responseDelay > 0 {
		select {
		case <-time.After(m.responseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &ChatResponse{
		ID:       "mock-response-123",
		Object:   "chat.completion",
		Model:    req.Model,
		Provider: m.name,
		Choices: []Choice{
			{Index: 0, Message: Message{Role: "assistant", Content: "mock response"}, FinishReason: "stop"},
		},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (m *MockProvider) CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	data := make([]EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = EmbeddingData{Object: "embedding", Embedding: []float64{float64(i)}, Index: i}
	}
	return &EmbeddingResponse{Object: "list", Data: data, Model: req.Model, Provider: m.name}, nil
}

func (m *MockProvider) CheckHealth(ctx context.Context) bool {
	return m.healthy
}

func (m *MockProvider) CountTokens(text, model string) int {
	return ApproximateTokens(text)
}

func (m *MockProvider) IsCompatibleWithModel(model string) bool {
	return IsStaticallyCompatible(m.name, m.defaults, model)
}

func TestMockProviderImplementsInterface(t *testing.T) {
	var _ Provider = NewMockProvider("mock")
}

func TestFindModel(t *testing.T) {
	models := []ModelInfo{{ID: "llama2"}, {ID: "Mistral"}}

	tests := []struct {
		name   string
		id     string
		wantID string
	}{
		{"exact match", "llama2", "llama2"},
		{"case-insensitive match", "MISTRAL", "Mistral"},
		{"missing", "phi", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := FindModel(models, tt.id)
			if tt.wantID == "" {
				assert.Nil(t, found)
				return
			}
			require.NotNil(t, found)
			assert.Equal(t, tt.wantID, found.ID)
		})
	}
}

func TestIsStaticallyCompatible(t *testing.T) {
	defaults := []string{"llama2", "llama3.2:1b"}

	tests := []struct {
		model string
		want  bool
	}{
		{"llama2", true},
		{"LLAMA2", true},
		{"llama3.2:1b", true},
		{"ollama/custom", true},
		{"Ollama-Thing", true},
		{"gpt-4o", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("model=%q", tt.model), func(t *testing.T) {
			assert.Equal(t, tt.want, IsStaticallyCompatible("ollama", defaults, tt.model))
		})
	}
}

func TestApproximateTokens(t *testing.T) {
	assert.Equal(t, 0, ApproximateTokens(""))
	assert.Equal(t, 1, ApproximateTokens("hello"))
	assert.Equal(t, 4, ApproximateTokens("one two three"))
	assert.Equal(t, 8, ApproximateTokens("  a b\tc d\n e f  "))
}

func TestModelInfo_HasCapability(t *testing.T) {
	m := ModelInfo{Capabilities: []string{"chat", "Embedding"}}

	assert.True(t, m.HasCapability("CHAT"))
	assert.True(t, m.HasCapability("embedding"))
	assert.False(t, m.HasCapability("completion"))
}

func TestEmbeddingInput_UnmarshalJSON(t *testing.T) {
	t.Run("single string", func(t *testing.T) {
		var req EmbeddingRequest
		require.NoError(t, json.Unmarshal([]byte(`{"model":"m","input":"hello"}`), &req))
		assert.Equal(t, EmbeddingInput{"hello"}, req.Input)
	})

	t.Run("list of strings", func(t *testing.T) {
		var req EmbeddingRequest
		require.NoError(t, json.Unmarshal([]byte(`{"model":"m","input":["a","b"]}`), &req))
		assert.Equal(t, EmbeddingInput{"a", "b"}, req.Input)
	})

	t.Run("invalid type", func(t *testing.T) {
		var req EmbeddingRequest
		err := json.Unmarshal([]byte(`{"model":"m","input":42}`), &req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "input must be")
	})
}
