package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindDuplicateUID, apperrors.KindRootConflict, apperrors.KindHasChildren,
		apperrors.KindCycleDetected, apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindInvalidPayload, apperrors.KindDanglingParent:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorCodes are the snake_case "error" values paired with each kind.
var errorCodes = map[string]string{
	apperrors.KindNotFound:       "not_found",
	apperrors.KindForbidden:      "forbidden",
	apperrors.KindDuplicateUID:   "duplicate_uid",
	apperrors.KindRootConflict:   "root_conflict",
	apperrors.KindHasChildren:    "has_children",
	apperrors.KindCycleDetected:  "cycle_detected",
	apperrors.KindConflict:       "conflict",
	apperrors.KindInvalidPayload: "invalid_payload",
	apperrors.KindDanglingParent: "dangling_parent",
	apperrors.KindInternal:       "internal_error",
}

// ServiceErrorResponse writes err as a JSON error carrying its error kind.
// Internal errors are logged with op and reported without details.
func ServiceErrorResponse(w http.ResponseWriter, err error, op string, logger *zap.Logger) {
	kind := apperrors.Kind(err)
	message := err.Error()
	if kind == apperrors.KindInternal {
		logger.Error("Request failed", zap.String("operation", op), zap.Error(err))
		message = "Failed to " + op
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":      errorCodes[kind],
		"message":    message,
		"error_kind": kind,
	}); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// decodeJSON reads a JSON request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

func writeResponse(w http.ResponseWriter, statusCode int, data any, logger *zap.Logger) {
	if err := WriteJSON(w, statusCode, data); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
