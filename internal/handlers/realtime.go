package handlers

import (
	"net/http"

	"github.com/pliu/heartline/internal/backend"
	"github.com/pliu/heartline/internal/inbox"
	"github.com/pliu/heartline/internal/ws"
)

// RealtimeHandler serves the live inbox over a websocket.
type RealtimeHandler struct {
	Backend *backend.Backend
	Options inbox.Options
}

func (h *RealtimeHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	ws.ServeWs(h.Backend, h.Options, w, r, userID)
}
