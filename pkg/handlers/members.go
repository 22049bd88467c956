package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// InviteMemberRequest is the body of POST /api/projects/{pid}/members.
type InviteMemberRequest struct {
	UserID     uuid.UUID `json:"user_id"`
	Email      string    `json:"email"`
	Permission string    `json:"permission"`
}

// ChangePermissionRequest is the body of PUT /api/projects/{pid}/members/{uid}.
type ChangePermissionRequest struct {
	Permission string `json:"permission"`
}

// MembersHandler handles project membership endpoints.
type MembersHandler struct {
	memberService services.MemberService
	logger        *zap.Logger
}

// NewMembersHandler creates a new members handler.
func NewMembersHandler(memberService services.MemberService, logger *zap.Logger) *MembersHandler {
	return &MembersHandler{memberService: memberService, logger: logger}
}

// RegisterRoutes registers the members handler's routes on the given mux.
func (h *MembersHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/projects/{pid}/members",
		authMiddleware.RequireApproved(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/projects/{pid}/members",
		authMiddleware.RequireApproved(tenantMiddleware(h.Invite)))
	mux.HandleFunc("PUT /api/projects/{pid}/members/{uid}",
		authMiddleware.RequireApproved(tenantMiddleware(h.ChangePermission)))
	mux.HandleFunc("DELETE /api/projects/{pid}/members/{uid}",
		authMiddleware.RequireApproved(tenantMiddleware(h.Remove)))
}

// List handles GET /api/projects/{pid}/members
func (h *MembersHandler) List(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	members, err := h.memberService.List(req.ctx, req.projectID, req.actor)
	if err != nil {
		ServiceErrorResponse(w, err, "list members", h.logger)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"members": members}, h.logger)
}

// Invite handles POST /api/projects/{pid}/members
func (h *MembersHandler) Invite(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}

	var body InviteMemberRequest
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}
	if body.UserID == uuid.Nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_user_id", "user_id is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	member, err := h.memberService.Invite(req.ctx, req.projectID, req.actor, body.UserID, body.Email, body.Permission)
	if err != nil {
		ServiceErrorResponse(w, err, "add member", h.logger)
		return
	}
	writeResponse(w, http.StatusCreated, member, h.logger)
}

// ChangePermission handles PUT /api/projects/{pid}/members/{uid}
func (h *MembersHandler) ChangePermission(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}
	userID, ok := ParseUserID(w, r, h.logger)
	if !ok {
		return
	}

	var body ChangePermissionRequest
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}

	if err := h.memberService.ChangePermission(req.ctx, req.projectID, req.actor, userID, body.Permission); err != nil {
		ServiceErrorResponse(w, err, "change permission", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles DELETE /api/projects/{pid}/members/{uid}
func (h *MembersHandler) Remove(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}
	userID, ok := ParseUserID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.memberService.Remove(req.ctx, req.projectID, req.actor, userID); err != nil {
		ServiceErrorResponse(w, err, "remove member", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
