package wsrelay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"disasterrelay.example.org/gateway/internal/model"
)

// SystemAuthenticator resolves the (system_name, api_key) pair a WebSocket
// handshake carries to the active external_system it identifies.
type SystemAuthenticator interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.ExternalSystem, error)
}

// Handler upgrades authenticated subscriber connections and registers them
// with a Hub.
type Handler struct {
	hub      *Hub
	auth     SystemAuthenticator
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. originCheck decides CheckOrigin; pass nil
// to accept any origin (CORS is enforced at the HTTP ingress, not here).
func NewHandler(hub *Hub, auth SystemAuthenticator, originCheck func(*http.Request) bool) *Handler {
	if originCheck == nil {
		originCheck = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originCheck,
		},
	}
}

// ServeHTTP performs the handshake: header auth against x-system-name /
// x-api-key, upgrade, Hub.Register, then blocks on Session.Serve until the
// connection drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	systemName := r.Header.Get("x-system-name")
	apiKey := r.Header.Get("x-api-key")
	if systemName == "" || apiKey == "" {
		http.Error(w, "missing x-system-name or x-api-key", http.StatusUnauthorized)
		return
	}

	actx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	system, err := h.auth.GetByAPIKey(actx, apiKey)
	if err != nil {
		slog.Error("wsrelay auth lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if system == nil || system.SystemName != systemName {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wsrelay upgrade failed", "subscriber", system.ID, "error", err)
		return
	}

	sess := h.hub.Register(r.Context(), system.ID, conn)
	defer h.hub.Unregister(context.Background(), system.ID, sess)

	sess.Serve()
}
