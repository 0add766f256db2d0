package handlers

import (
	"strings"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
)

// Default buffer size for the WebSocket log channel
const defaultWebSocketBufferSize = 1000

// Log lines that would echo forever if broadcast back over the socket.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"Failed to send WebSocket message",
	"HTTP request",
	"HTTP response",
}

// WebSocketLogWriter bridges arbor's log channel to connected WebSocket
// clients. Register its Channel on the logger with SetChannel; batches are
// consumed in the background until Close.
type WebSocketLogWriter struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        levels.LogLevel
	excludePatterns []string
	done            chan struct{}
}

// NewWebSocketLogWriter creates the bridge and starts consuming.
func NewWebSocketLogWriter(handler *WebSocketHandler, minLevel string) *WebSocketLogWriter {
	w := &WebSocketLogWriter{
		handler:         handler,
		channel:         make(chan []arbormodels.LogEvent, defaultWebSocketBufferSize),
		minLevel:        parseLogLevel(minLevel),
		excludePatterns: defaultExcludePatterns,
		done:            make(chan struct{}),
	}
	go w.consume()
	return w
}

// Channel returns the channel arbor should deliver log batches to.
func (w *WebSocketLogWriter) Channel() chan []arbormodels.LogEvent {
	return w.channel
}

// Close stops the consumer. The channel itself stays open for late writers.
func (w *WebSocketLogWriter) Close() {
	close(w.done)
}

func (w *WebSocketLogWriter) consume() {
	for {
		select {
		case <-w.done:
			return
		case batch := <-w.channel:
			for _, entry := range batch {
				w.process(entry)
			}
		}
	}
}

func (w *WebSocketLogWriter) process(entry arbormodels.LogEvent) {
	level := plogToArborLevel(entry.Level)
	if level < w.minLevel {
		return
	}
	for _, pattern := range w.excludePatterns {
		if strings.Contains(entry.Message, pattern) {
			return
		}
	}

	w.handler.BroadcastLog(LogEntry{
		Timestamp: entry.Timestamp.Format("15:04:05"),
		Level:     mapLevel(level),
		Message:   entry.Message,
	})
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseLogLevel converts string log level to arbor levels.LogLevel
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// mapLevel maps arbor log levels to UI strings
func mapLevel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
