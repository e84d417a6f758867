package postgres

import (
	"context"
	"fmt"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

// ModelMappingRepository implements the repositories.ModelMappingRepository interface
type ModelMappingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewModelMappingRepository creates a new model mapping repository
func NewModelMappingRepository(db *DB, logger *zap.Logger) repositories.ModelMappingRepository {
	return &ModelMappingRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a mapping, ignoring duplicates of the same pair
func (r *ModelMappingRepository) Create(ctx context.Context, mapping *models.ModelMapping) error {
	query := `
		INSERT INTO model_mappings (id, model, provider, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model, provider) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		mapping.ID,
		mapping.Model,
		mapping.Provider,
		mapping.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create model mapping: %w", err)
	}

	r.logger.Debug("model mapping stored",
		zap.String("model", mapping.Model),
		zap.String("provider", mapping.Provider))
	return nil
}

// List returns all mappings in creation order
func (r *ModelMappingRepository) List(ctx context.Context) ([]*models.ModelMapping, error) {
	query := `
		SELECT id, model, provider, created_at
		FROM model_mappings
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, query)
}

// ListByProvider returns the mappings of one provider in creation order
func (r *ModelMappingRepository) ListByProvider(ctx context.Context, provider string) ([]*models.ModelMapping, error) {
	query := `
		SELECT id, model, provider, created_at
		FROM model_mappings
		WHERE provider = $1
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, query, provider)
}

// Delete removes a mapping
func (r *ModelMappingRepository) Delete(ctx context.Context, model, provider string) error {
	query := `DELETE FROM model_mappings WHERE model = $1 AND provider = $2`

	result, err := r.db.ExecContext(ctx, query, model, provider)
	if err != nil {
		return fmt.Errorf("failed to delete model mapping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s -> %s", repositories.ErrMappingNotFound, model, provider)
	}

	r.logger.Debug("model mapping deleted",
		zap.String("model", model),
		zap.String("provider", provider))
	return nil
}

func (r *ModelMappingRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.ModelMapping, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list model mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.ModelMapping
	for rows.Next() {
		m := &models.ModelMapping{}
		if err := rows.Scan(&m.ID, &m.Model, &m.Provider, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model mappings: %w", err)
	}

	return mappings, nil
}
