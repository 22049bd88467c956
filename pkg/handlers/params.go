package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// TenantMiddleware is a function that wraps a handler with tenant context.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// ParseProjectID extracts and validates the project ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: pid
func ParseProjectID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "pid", "invalid_project_id", "Invalid project ID format", logger)
}

// ParseUserID extracts and validates a member's user ID from the request path.
// Expects path parameter: uid
func ParseUserID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "uid", "invalid_user_id", "Invalid user ID format", logger)
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit reads the optional limit query parameter. Zero means "default".
func parseLimit(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return limit, true
}

// projectRequest is the resolved caller of a project-scoped request.
type projectRequest struct {
	ctx       context.Context
	projectID uuid.UUID
	user      auth.User
	actor     permissions.Actor
}

// resolveProjectRequest parses {pid}, loads the caller's membership facts and
// tags the context with REST provenance. It writes the error response itself.
func resolveProjectRequest(w http.ResponseWriter, r *http.Request, members services.MemberService, logger *zap.Logger) (*projectRequest, bool) {
	projectID, ok := ParseProjectID(w, r, logger)
	if !ok {
		return nil, false
	}

	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, false
	}

	actor, err := members.Actor(r.Context(), projectID, user)
	if err != nil {
		ServiceErrorResponse(w, err, "resolve membership", logger)
		return nil, false
	}

	return &projectRequest{
		ctx:       models.WithRESTProvenance(r.Context(), user.ID),
		projectID: projectID,
		user:      user,
		actor:     actor,
	}, true
}
