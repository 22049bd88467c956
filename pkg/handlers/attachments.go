package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/services"
	"github.com/caseboard/caseboard-engine/pkg/storage"
)

// AttachmentsHandler accepts image and attachment uploads. The returned
// reference is set on a node through a normal update.
type AttachmentsHandler struct {
	store         storage.AttachmentStore
	memberService services.MemberService
	maxBytes      int64
	logger        *zap.Logger
}

// NewAttachmentsHandler creates a new attachments handler.
func NewAttachmentsHandler(store storage.AttachmentStore, memberService services.MemberService, maxBytes int64, logger *zap.Logger) *AttachmentsHandler {
	return &AttachmentsHandler{
		store:         store,
		memberService: memberService,
		maxBytes:      maxBytes,
		logger:        logger,
	}
}

// RegisterRoutes registers the attachments handler's routes on the given mux.
func (h *AttachmentsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/projects/{pid}/attachments",
		authMiddleware.RequireApproved(tenantMiddleware(h.Upload)))
}

// Upload handles POST /api/projects/{pid}/attachments
// Expects a multipart form with a single "file" part.
func (h *AttachmentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req, ok := resolveProjectRequest(w, r, h.memberService, h.logger)
	if !ok {
		return
	}
	if !permissions.CanWrite(req.actor) {
		ServiceErrorResponse(w, apperrors.ErrForbidden, "upload attachment", h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			if err := ErrorResponse(w, http.StatusRequestEntityTooLarge, "too_large", "Attachment exceeds the upload limit"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Expected multipart form with a file part"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	defer file.Close()

	asset, err := h.store.Store(req.ctx, req.projectID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			if err := ErrorResponse(w, http.StatusNotImplemented, "storage_disabled", "Attachment storage is not configured"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		ServiceErrorResponse(w, err, "upload attachment", h.logger)
		return
	}

	h.logger.Info("Attachment uploaded",
		zap.String("project_id", req.projectID.String()),
		zap.String("key", asset.Key),
		zap.Int64("size", asset.Size))
	writeResponse(w, http.StatusCreated, asset, h.logger)
}
