package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModelMapping is a persisted routing hint: requests for Model are first
// offered to Provider
type ModelMapping struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Model     string    `json:"model" db:"model"`
	Provider  string    `json:"provider" db:"provider"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the ModelMapping model
func (ModelMapping) TableName() string {
	return "model_mappings"
}

// NewModelMapping creates a new ModelMapping with a lowercased provider name
func NewModelMapping(model, provider string) *ModelMapping {
	return &ModelMapping{
		ID:        uuid.New(),
		Model:     model,
		Provider:  strings.ToLower(strings.TrimSpace(provider)),
		CreatedAt: time.Now().UTC(),
	}
}
