package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/services/events"
)

func dialTestSocket(t *testing.T, h *WebSocketHandler) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketHandlerSendsInstanceIDOnConnect(t *testing.T) {
	logger := arbor.NewLogger()
	h := NewWebSocketHandler(events.NewService(logger), logger)
	t.Cleanup(h.Close)

	conn := dialTestSocket(t, h)

	msg := readMessage(t, conn)
	assert.Equal(t, "connected", msg.Type)
	payload := msg.Payload.(map[string]interface{})
	assert.NotEmpty(t, payload["server_instance_id"])
}

func TestWebSocketHandlerForwardsEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	h := NewWebSocketHandler(eventService, logger)
	t.Cleanup(h.Close)

	conn := dialTestSocket(t, h)
	readMessage(t, conn) // connected

	require.NoError(t, eventService.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventOrderProgress,
		Payload: map[string]interface{}{"order_id": float64(7), "step": "login"},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, string(interfaces.EventOrderProgress), msg.Type)
	payload := msg.Payload.(map[string]interface{})
	assert.Equal(t, float64(7), payload["order_id"])
}

func TestBroadcastLogKeepsRecentRing(t *testing.T) {
	logger := arbor.NewLogger()
	h := NewWebSocketHandler(nil, logger)
	t.Cleanup(h.Close)

	for i := 0; i < recentLogCapacity+10; i++ {
		h.BroadcastLog(LogEntry{Level: "info", Message: "line"})
	}

	rec := httptest.NewRecorder()
	h.GetRecentLogsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/logs/recent", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, recentLogCapacity, body.Count)
}
