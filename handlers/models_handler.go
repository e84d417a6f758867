package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// ModelMappingList is the body of GET /v1/model-mappings
type ModelMappingList struct {
	Object string                   `json:"object"`
	Data   []providers.ModelMapping `json:"data"`
}

// ModelsHandler serves model discovery and routing hints
type ModelsHandler struct {
	service InferenceService
	logger  *zap.Logger
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(service InferenceService, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		service: service,
		logger:  logger,
	}
}

// HandleListModels handles GET /v1/models?provider=&capability=
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	list, err := h.service.ListModels(r.Context(), query.Get("provider"), query.Get("capability"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, list); err != nil {
		h.logger.Error("failed to write model list", zap.Error(err))
	}
}

// HandleGetModel handles GET /v1/models/{model_id}?provider=.
// The id is the rest of the path so it may contain ':' or '/'.
func (h *ModelsHandler) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || id == "" {
		HandleServiceError(w, services.InvalidRequest("model id is required"), h.logger)
		return
	}

	info, err := h.service.GetModel(r.Context(), id, r.URL.Query().Get("provider"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, info); err != nil {
		h.logger.Error("failed to write model", zap.Error(err))
	}
}

// HandleRegisterMapping handles POST /v1/model-mappings
func (h *ModelsHandler) HandleRegisterMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var entry inference.MappingEntry
	if !decodeAndValidate(w, r, &entry, h.logger) {
		return
	}

	if err := h.service.RegisterModelMapping(ctx, entry.Model, entry.Provider); err != nil {
		h.logger.Warn("model mapping rejected",
			observability.RequestField(middleware.GetRequestIDFromContext(ctx)),
			zap.String("model", entry.Model),
			zap.String("provider", entry.Provider),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, entry); err != nil {
		h.logger.Error("failed to write model mapping", zap.Error(err))
	}
}

// HandleListMappings handles GET /v1/model-mappings
func (h *ModelsHandler) HandleListMappings(w http.ResponseWriter, r *http.Request) {
	response := ModelMappingList{Object: "list", Data: h.service.ModelMappings()}
	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write model mappings", zap.Error(err))
	}
}
