package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// maxPatchBytes bounds a node create/update/batch request body.
const maxPatchBytes = 1 << 20

// CreateNodeRequest is the body of POST /api/projects/{pid}/nodes.
// An empty uid asks the server to generate one.
type CreateNodeRequest struct {
	UID       string          `json:"uid"`
	ParentUID string          `json:"parent_uid"`
	Fields    json.RawMessage `json:"fields"`
}

// BatchChangeRequest is one entry of POST /api/projects/{pid}/nodes/batch.
type BatchChangeRequest struct {
	Action    string          `json:"action"`
	UID       string          `json:"uid"`
	ParentUID string          `json:"parent_uid"`
	SortOrder *int            `json:"sort_order"`
	Fields    json.RawMessage `json:"fields"`
}

// NodeUpdateResponse is returned by node updates.
type NodeUpdateResponse struct {
	Node          *models.Node `json:"node"`
	ChangedFields []string     `json:"changed_fields"`
}

// NodesHandler handles mind-map node endpoints.
type NodesHandler struct {
	treeService   services.TreeService
	memberService services.MemberService
	logger        *zap.Logger
}

// NewNodesHandler creates a new nodes handler.
func NewNodesHandler(treeService services.TreeService, memberService services.MemberService, logger *zap.Logger) *NodesHandler {
	return &NodesHandler{
		treeService:   treeService,
		memberService: memberService,
		logger:        logger,
	}
}

// RegisterRoutes registers the nodes handler's routes on the given mux.
func (h *NodesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/projects/{pid}/nodes"
	mux.HandleFunc("GET "+base, authMiddleware.RequireApproved(tenantMiddleware(h.List)))
	mux.HandleFunc("POST "+base, authMiddleware.RequireApproved(tenantMiddleware(h.Create)))
	mux.HandleFunc("POST "+base+"/batch", authMiddleware.RequireApproved(tenantMiddleware(h.Batch)))
	mux.HandleFunc("GET "+base+"/{uid}", authMiddleware.RequireApproved(tenantMiddleware(h.Get)))
	mux.HandleFunc("PATCH "+base+"/{uid}", authMiddleware.RequireApproved(tenantMiddleware(h.Update)))
	mux.HandleFunc("DELETE "+base+"/{uid}", authMiddleware.RequireApproved(tenantMiddleware(h.Delete)))
	mux.HandleFunc("PUT "+base+"/{uid}/parent", authMiddleware.RequireApproved(tenantMiddleware(h.Move)))
}

// List handles GET /api/projects/{pid}/nodes
// Returns every node ordered by (level, sort_order, created_at).
func (h *NodesHandler) List(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	nodes, err := h.treeService.List(req.ctx, req.projectID, req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "list nodes", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"nodes": nodes}, h.logger)
}

// Create handles POST /api/projects/{pid}/nodes
func (h *NodesHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	var body CreateNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxPatchBytes)
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}
	fields, err := mindmap.DecodePatch(body.Fields)
	if err != nil {
		ServiceErrorResponse(w, err, "create node", h.logger)
		return
	}

	node, err := h.treeService.Create(req.ctx, req.projectID, req.actor, models.CreateNodeInput{
		UID:       body.UID,
		ParentUID: body.ParentUID,
		Fields:    fields,
	})
	if err != nil {
		ServiceErrorResponse(w, err, "create node", h.logger)
		return
	}
	writeResponse(w, http.StatusCreated, node, h.logger)
}

// Get handles GET /api/projects/{pid}/nodes/{uid}
func (h *NodesHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	node, err := h.treeService.Get(req.ctx, req.projectID, r.PathValue("uid"), req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "get node", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, node, h.logger)
}

// Update handles PATCH /api/projects/{pid}/nodes/{uid}
// The body is a patch of allow-listed fields; unknown keys are rejected.
func (h *NodesHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPatchBytes))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	patch, err := mindmap.DecodePatch(data)
	if err != nil {
		ServiceErrorResponse(w, err, "update node", h.logger)
		return
	}

	upd, err := h.treeService.Update(req.ctx, req.projectID, r.PathValue("uid"), req.actor, patch)
	if err != nil {
		ServiceErrorResponse(w, err, "update node", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, NodeUpdateResponse{Node: upd.Node, ChangedFields: upd.ChangedFields}, h.logger)
}

// Delete handles DELETE /api/projects/{pid}/nodes/{uid}
func (h *NodesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	if err := h.treeService.Delete(req.ctx, req.projectID, r.PathValue("uid"), req.actor); err != nil {
		ServiceErrorResponse(w, err, "delete node", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles PUT /api/projects/{pid}/nodes/{uid}/parent
func (h *NodesHandler) Move(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	var body models.MoveNodeInput
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}

	node, err := h.treeService.Move(req.ctx, req.projectID, r.PathValue("uid"), req.actor, body)
	if err != nil {
		ServiceErrorResponse(w, err, "move node", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, node, h.logger)
}

// Batch handles POST /api/projects/{pid}/nodes/batch
// Changes apply in order and independently; the response carries one result
// per change, so a partially failed batch still answers 200.
func (h *NodesHandler) Batch(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	var body struct {
		Changes []BatchChangeRequest `json:"changes"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPatchBytes)
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}

	changes := make([]models.BatchChange, len(body.Changes))
	for i, c := range body.Changes {
		fields, err := mindmap.DecodePatch(c.Fields)
		if err != nil {
			ServiceErrorResponse(w, fmt.Errorf("change %d: %w", i, err), "apply batch", h.logger)
			return
		}
		changes[i] = models.BatchChange{
			Action:    c.Action,
			UID:       c.UID,
			ParentUID: c.ParentUID,
			SortOrder: c.SortOrder,
			Fields:    fields,
		}
	}
	if len(changes) == 0 {
		ServiceErrorResponse(w, fmt.Errorf("%w: changes must not be empty", apperrors.ErrInvalidPayload), "apply batch", h.logger)
		return
	}

	results := h.treeService.Batch(req.ctx, req.projectID, req.actor, changes)
	writeResponse(w, http.StatusOK, map[string]any{"results": results}, h.logger)
}
