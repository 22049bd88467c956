package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// ProjectResponse is the standard response for project endpoints.
type ProjectResponse struct {
	*models.Project
	Permission string `json:"permission"`
	IsCreator  bool   `json:"is_creator"`
}

// ProvisionProjectRequest is the body of POST /api/projects.
type ProvisionProjectRequest struct {
	Name string `json:"name"`
}

// ProjectsHandler handles project-related HTTP requests.
type ProjectsHandler struct {
	projectService services.ProjectService
	memberService  services.MemberService
	logger         *zap.Logger
}

// NewProjectsHandler creates a new projects handler.
func NewProjectsHandler(projectService services.ProjectService, memberService services.MemberService, logger *zap.Logger) *ProjectsHandler {
	return &ProjectsHandler{
		projectService: projectService,
		memberService:  memberService,
		logger:         logger,
	}
}

// RegisterRoutes registers the projects handler's routes on the given mux.
// Provisioning is not bound to an existing project, so it runs unscoped.
func (h *ProjectsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware, unscopedMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/projects",
		authMiddleware.RequireApproved(unscopedMiddleware(h.Provision)))
	mux.HandleFunc("GET /api/projects/{pid}",
		authMiddleware.RequireApproved(tenantMiddleware(h.Get)))
	mux.HandleFunc("DELETE /api/projects/{pid}",
		authMiddleware.RequireApproved(tenantMiddleware(h.Delete)))
}

// Provision handles POST /api/projects
// Creates a project owned by the caller and seeds its default mind map.
func (h *ProjectsHandler) Provision(w http.ResponseWriter, r *http.Request) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req ProvisionProjectRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	project, err := h.projectService.Provision(r.Context(), user, req.Name)
	if err != nil {
		ServiceErrorResponse(w, err, "provision project", h.logger)
		return
	}

	writeResponse(w, http.StatusCreated, ProjectResponse{
		Project:    project,
		Permission: models.PermissionAdmin,
		IsCreator:  true,
	}, h.logger)
}

// Get handles GET /api/projects/{pid}
// Returns the project with the caller's permission on it.
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	project, err := h.projectService.Get(req.ctx, req.projectID, req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "get project", h.logger)
		return
	}

	writeResponse(w, http.StatusOK, ProjectResponse{
		Project:    project,
		Permission: req.actor.Permission,
		IsCreator:  req.actor.IsProjectCreator,
	}, h.logger)
}

// Delete handles DELETE /api/projects/{pid}
// Deletes a project and all associated data. Creator only.
func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	if err := h.projectService.Delete(req.ctx, req.projectID, req.actor); err != nil {
		ServiceErrorResponse(w, err, "delete project", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
