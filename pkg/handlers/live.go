package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/auth"
)

// LiveSessionServer runs one upgraded live-collaboration session.
type LiveSessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, user auth.User)
}

// LiveHandler upgrades requests into collaboration room sessions.
type LiveHandler struct {
	server LiveSessionServer
	logger *zap.Logger
}

// NewLiveHandler creates a new live session handler.
func NewLiveHandler(server LiveSessionServer, logger *zap.Logger) *LiveHandler {
	return &LiveHandler{server: server, logger: logger}
}

// RegisterRoutes registers the WebSocket route on the given mux. The session
// scopes each operation itself, so no tenant middleware wraps it: a
// long-lived connection must not hold a database session.
func (h *LiveHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /ws/mindmap/{pid}", authMiddleware.RequireApproved(h.Connect))
}

// Connect handles GET /ws/mindmap/{pid}
func (h *LiveHandler) Connect(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	h.server.Serve(w, r, projectID, user)
}
