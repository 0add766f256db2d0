package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// recentLogCapacity bounds the in-memory log ring served to new clients.
const recentLogCapacity = 200

// WSMessage is the envelope for everything pushed over the socket.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is one UI-facing log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketHandler fans order progress, status changes and log lines out to
// connected dashboard clients.
type WebSocketHandler struct {
	logger       arbor.ILogger
	eventService interfaces.EventService

	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex

	recentLogs []LogEntry
	logMu      sync.Mutex

	// Unique ID generated on startup - clients use it to detect server restart
	serverInstanceID string
	unsubscribe      func()
}

// NewWebSocketHandler creates the handler and subscribes it to the event
// service; events flow to clients until Close.
func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		eventService:     eventService,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")

	if eventService != nil {
		ch, cancel := eventService.Subscribe()
		h.unsubscribe = cancel
		go h.forwardEvents(ch)
	}

	return h
}

// Close stops the event subscription.
func (h *WebSocketHandler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendToClient(conn, WSMessage{
		Type: "connected",
		Payload: map[string]string{
			"server_instance_id": h.serverInstanceID,
		},
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// BroadcastLog pushes one log line to all clients and remembers it for the
// recent-logs endpoint.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.logMu.Lock()
	h.recentLogs = append(h.recentLogs, entry)
	if len(h.recentLogs) > recentLogCapacity {
		h.recentLogs = h.recentLogs[len(h.recentLogs)-recentLogCapacity:]
	}
	h.logMu.Unlock()

	h.broadcast(WSMessage{Type: "log", Payload: entry})
}

// GetRecentLogsHandler returns the buffered log lines for late-joining clients.
// GET /api/logs/recent
func (h *WebSocketHandler) GetRecentLogsHandler(w http.ResponseWriter, r *http.Request) {
	h.logMu.Lock()
	logs := make([]LogEntry, len(h.recentLogs))
	copy(logs, h.recentLogs)
	h.logMu.Unlock()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

func (h *WebSocketHandler) forwardEvents(ch <-chan interfaces.Event) {
	for event := range ch {
		h.broadcast(WSMessage{
			Type:    string(event.Type),
			Payload: event.Payload,
		})
	}
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send WebSocket message")
		}
	}
}

func (h *WebSocketHandler) sendToClient(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send WebSocket message to client")
	}
}
