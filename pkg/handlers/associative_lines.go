package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// SetLinesRequest is the body of PUT .../nodes/{uid}/associative-lines.
type SetLinesRequest struct {
	Targets []string          `json:"targets"`
	Text    map[string]string `json:"text"`
}

// AssociativeLinesHandler handles the associative line endpoints.
type AssociativeLinesHandler struct {
	lineService   services.AssociativeLineService
	memberService services.MemberService
	logger        *zap.Logger
}

// NewAssociativeLinesHandler creates a new associative lines handler.
func NewAssociativeLinesHandler(lineService services.AssociativeLineService, memberService services.MemberService, logger *zap.Logger) *AssociativeLinesHandler {
	return &AssociativeLinesHandler{
		lineService:   lineService,
		memberService: memberService,
		logger:        logger,
	}
}

// RegisterRoutes registers the associative line routes on the given mux.
func (h *AssociativeLinesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	node := "/api/projects/{pid}/nodes/{uid}/associative-lines"
	mux.HandleFunc("GET "+node, authMiddleware.RequireApproved(tenantMiddleware(h.Outgoing)))
	mux.HandleFunc("PUT "+node, authMiddleware.RequireApproved(tenantMiddleware(h.Set)))
	mux.HandleFunc("DELETE "+node, authMiddleware.RequireApproved(tenantMiddleware(h.Clear)))
	mux.HandleFunc("GET "+node+"/incoming", authMiddleware.RequireApproved(tenantMiddleware(h.Incoming)))
	mux.HandleFunc("POST /api/projects/{pid}/associative-lines/sync",
		authMiddleware.RequireApproved(tenantMiddleware(h.Sync)))
}

// Set handles PUT /api/projects/{pid}/nodes/{uid}/associative-lines
// Replaces the node's outgoing lines.
func (h *AssociativeLinesHandler) Set(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	var body SetLinesRequest
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}

	upd, err := h.lineService.SetTargets(req.ctx, req.projectID, r.PathValue("uid"), req.actor, body.Targets, body.Text)
	if err != nil {
		ServiceErrorResponse(w, err, "set associative lines", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, NodeUpdateResponse{Node: upd.Node, ChangedFields: upd.ChangedFields}, h.logger)
}

// Clear handles DELETE /api/projects/{pid}/nodes/{uid}/associative-lines
func (h *AssociativeLinesHandler) Clear(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	upd, err := h.lineService.Clear(req.ctx, req.projectID, r.PathValue("uid"), req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "clear associative lines", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, NodeUpdateResponse{Node: upd.Node, ChangedFields: upd.ChangedFields}, h.logger)
}

// Outgoing handles GET /api/projects/{pid}/nodes/{uid}/associative-lines
func (h *AssociativeLinesHandler) Outgoing(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	lines, err := h.lineService.Outgoing(req.ctx, req.projectID, r.PathValue("uid"), req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "list associative lines", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"lines": lines}, h.logger)
}

// Incoming handles GET /api/projects/{pid}/nodes/{uid}/associative-lines/incoming
func (h *AssociativeLinesHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	lines, err := h.lineService.Incoming(req.ctx, req.projectID, r.PathValue("uid"), req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "list incoming associative lines", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"lines": lines}, h.logger)
}

// Sync handles POST /api/projects/{pid}/associative-lines/sync
// Rebuilds the line index from every node's target list.
func (h *AssociativeLinesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	result, err := h.lineService.Sync(req.ctx, req.projectID, req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "sync associative lines", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, result, h.logger)
}
