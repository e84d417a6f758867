package repositories

import (
	"context"
	"errors"

	"github.com/upb/llm-gateway/models"
)

// ErrMappingNotFound is returned when a mapping to delete does not exist
var ErrMappingNotFound = errors.New("model mapping not found")

// ModelMappingRepository persists routing hints registered at runtime
type ModelMappingRepository interface {
	// Create stores a mapping. Storing an existing (model, provider) pair is a no-op.
	Create(ctx context.Context, mapping *models.ModelMapping) error

	// List returns all mappings in creation order
	List(ctx context.Context) ([]*models.ModelMapping, error)

	// ListByProvider returns the mappings of one provider in creation order
	ListByProvider(ctx context.Context, provider string) ([]*models.ModelMapping, error)

	// Delete removes a mapping
	Delete(ctx context.Context, model, provider string) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	ModelMappings ModelMappingRepository
}
