package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chepyr/subtask-tracker/internal/tasks"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSHub fans task events out to every open connection of the task owner.
type WSHub struct {
	connections map[uuid.UUID]map[*websocket.Conn]bool
	mutex       sync.Mutex
	logger      *log.Logger
}

func NewWSHub(logger *log.Logger) *WSHub {
	return &WSHub{
		connections: make(map[uuid.UUID]map[*websocket.Conn]bool),
		logger:      logger,
	}
}

func (h *WSHub) register(ownerID uuid.UUID, conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.connections[ownerID] == nil {
		h.connections[ownerID] = make(map[*websocket.Conn]bool)
	}
	h.connections[ownerID][conn] = true
}

func (h *WSHub) unregister(ownerID uuid.UUID, conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if conns, ok := h.connections[ownerID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.connections, ownerID)
		}
	}
	conn.Close()
}

// Notify sends each event as its own text message. Connections that fail a
// write are dropped.
func (h *WSHub) Notify(ownerID uuid.UUID, events []tasks.Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	conns, exists := h.connections[ownerID]
	if !exists {
		return
	}
	for _, event := range events {
		message, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("marshal task event", "err", err)
			continue
		}
		for conn := range conns {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("websocket write failed", "owner", ownerID, "err", err)
				delete(conns, conn)
				conn.Close()
			}
		}
	}
}

// checkOrigin allows every origin unless AllowedOrigins lists them.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.AllowedOrigins, r.Header.Get("Origin"))
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.WSRateLimiter != nil && !h.WSRateLimiter.Allow(ip) {
		sendError(w, "Too many WebSocket connection attempts", http.StatusTooManyRequests)
		return
	}
	userID, _ := UserIDFromContext(r.Context())

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	h.WSHub.register(userID, conn)
	h.Logger.Debug("websocket connected", "user_id", userID)

	// the feed is one-way; reading only detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Logger.Debug("websocket closed", "user_id", userID, "err", err)
			h.WSHub.unregister(userID, conn)
			return
		}
	}
}
