package handlers

import (
	"net/http"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses.
// Internal and unclassified errors are logged and rendered with a generic message.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	errType := services.GetErrorType(err)
	switch errType {
	case "":
		logger.Error("unhandled error type", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(services.ErrorTypeInternal),
			"An unexpected error occurred", nil, logger)
		return

	case services.ErrorTypeInternal:
		logger.Error("internal server error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(errType),
			"An internal error occurred", nil, logger)
		return
	}

	status := errType.StatusCode()
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", zap.String("error_type", string(errType)), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("error_type", string(errType)), zap.Error(err))
	}

	writeError(w, status, string(errType), services.GetErrorMessage(err), services.GetErrorDetails(err), logger)
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		details := make(map[string]interface{})
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
		writeError(w, http.StatusBadRequest, string(services.ErrorTypeInvalidRequest), "Validation failed", details, logger)
		return
	}

	writeError(w, http.StatusBadRequest, string(services.ErrorTypeInvalidRequest), err.Error(), nil, logger)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}, logger *zap.Logger) {
	if err := utils.WriteError(w, status, code, message, details); err != nil {
		logger.Error("failed to write error response", zap.Int("status", status), zap.Error(err))
	}
}
