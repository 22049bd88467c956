package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// MindmapHandler serves whole-map views: export, bootstrap, stats and the
// edit log.
type MindmapHandler struct {
	treeService    services.TreeService
	editLogService services.EditLogService
	memberService  services.MemberService
	logger         *zap.Logger
}

// NewMindmapHandler creates a new mind map handler.
func NewMindmapHandler(
	treeService services.TreeService,
	editLogService services.EditLogService,
	memberService services.MemberService,
	logger *zap.Logger,
) *MindmapHandler {
	return &MindmapHandler{
		treeService:    treeService,
		editLogService: editLogService,
		memberService:  memberService,
		logger:         logger,
	}
}

// RegisterRoutes registers the mind map handler's routes on the given mux.
func (h *MindmapHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/projects/{pid}/mindmap",
		authMiddleware.RequireApproved(tenantMiddleware(h.Export)))
	mux.HandleFunc("POST /api/projects/{pid}/mindmap/default",
		authMiddleware.RequireApproved(tenantMiddleware(h.Bootstrap)))
	mux.HandleFunc("GET /api/projects/{pid}/stats",
		authMiddleware.RequireApproved(tenantMiddleware(h.Stats)))
	mux.HandleFunc("GET /api/projects/{pid}/logs",
		authMiddleware.RequireApproved(tenantMiddleware(h.ProjectLog)))
	mux.HandleFunc("GET /api/projects/{pid}/nodes/{uid}/logs",
		authMiddleware.RequireApproved(tenantMiddleware(h.NodeLog)))
}

// Export handles GET /api/projects/{pid}/mindmap
// Returns the recursive tree with the caller's per-node flags.
func (h *MindmapHandler) Export(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	tree, err := h.treeService.Export(req.ctx, req.projectID, req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "export mind map", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"mindmap": tree}, h.logger)
}

// Bootstrap handles POST /api/projects/{pid}/mindmap/default?force=
// Seeds the default map; force=true wipes the existing map first.
func (h *MindmapHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		var err error
		if force, err = strconv.ParseBool(raw); err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_force", "force must be a boolean"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	nodes, err := h.treeService.Bootstrap(req.ctx, req.projectID, req.actor, force)
	if err != nil {
		ServiceErrorResponse(w, err, "bootstrap mind map", h.logger)
		return
	}
	writeResponse(w, http.StatusCreated, map[string]any{"nodes": nodes}, h.logger)
}

// Stats handles GET /api/projects/{pid}/stats
func (h *MindmapHandler) Stats(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	stats, err := h.treeService.Stats(req.ctx, req.projectID, req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "get stats", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, stats, h.logger)
}

// ProjectLog handles GET /api/projects/{pid}/logs?limit=
func (h *MindmapHandler) ProjectLog(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}
	if !permissions.CanRead(req.actor) {
		ServiceErrorResponse(w, apperrors.ErrForbidden, "list edit log", h.logger)
		return
	}

	entries, err := h.editLogService.ListByProject(req.ctx, req.projectID, limit)
	if err != nil {
		ServiceErrorResponse(w, err, "list edit log", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"entries": entries}, h.logger)
}

// NodeLog handles GET /api/projects/{pid}/nodes/{uid}/logs?limit=
// Entries outlive the node, so a deleted uid still has a history.
func (h *MindmapHandler) NodeLog(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}
	if !permissions.CanRead(req.actor) {
		ServiceErrorResponse(w, apperrors.ErrForbidden, "list edit log", h.logger)
		return
	}

	entries, err := h.editLogService.ListByNode(req.ctx, req.projectID, r.PathValue("uid"), limit)
	if err != nil {
		ServiceErrorResponse(w, err, "list edit log", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"entries": entries}, h.logger)
}
