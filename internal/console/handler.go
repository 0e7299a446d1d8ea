package console

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests on the console endpoint to websocket
// connections and registers them with a Hub.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a console Handler over hub.
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeHTTP upgrades the connection and blocks until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("console: upgrade failed", "error", err)
		return
	}

	c := newClient(h.hub, conn)
	h.hub.register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}
