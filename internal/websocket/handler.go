package websocket

import (
	"log/slog"
	"net/http"

	gws "github.com/gorilla/websocket"

	"github.com/portalhq/backend/internal/requestctx"
)

var upgrader = gws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens before the upgrade; origin is not the gate.
		return true
	},
}

// Handler upgrades an authenticated HTTP request to a socket. The request
// context middleware must have run first.
func (s *Service) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := requestctx.FromContext(r.Context())
		if !ok || rc.TenantID == requestctx.UnspecifiedTenant {
			http.Error(w, "tenant required", http.StatusForbidden)
			return
		}
		userID := ""
		if rc.Session != nil {
			userID = rc.Session.UserID
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[WebSocket] Upgrade failed", "error", err)
			return
		}

		if _, err := s.Accept(r.Context(), conn, string(rc.TenantID), userID); err != nil {
			slog.Error("[WebSocket] Accept failed", "error", err)
			_ = conn.Close()
		}
	}
}
