// Package websocket accepts subscriber connections and broadcasts relay
// messages to them.
package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// subscribers are not authenticated; any origin may connect
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager    *Manager
	sendBuffer int
	log        *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager, sendBuffer int, log *zap.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Handler{
		manager:    manager,
		sendBuffer: sendBuffer,
		log:        log,
	}
}

// Routes mounts the subscriber endpoints. The root path is kept for
// dashboards that connect to ws://host:port/.
func (h *Handler) Routes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	router.HandleFunc("/ws", h.HandleWebSocket)
	router.HandleFunc("/", h.HandleWebSocket)
}

// HandleWebSocket upgrades HTTP connection to WebSocket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(conn, h.sendBuffer, h.log)
	if err := h.manager.Register(client); err != nil {
		// the send queue is already closed; the write pump sends the close frame
		go client.writePump(h.manager.Unregister)
		return
	}

	go client.writePump(h.manager.Unregister)
	go client.readPump(h.manager.Unregister)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "auction-relay"})
}

// GetStats returns the number of live subscribers
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"subscribers": h.manager.Count()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
