package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Batches
	mux.HandleFunc("/api/batches/upload", s.app.BatchHandler.UploadBatchHandler)
	mux.HandleFunc("/api/batches", s.handleBatchCollection) // GET (list), POST (create)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes)    // /{id} and subpaths

	// API routes - Orders
	mux.HandleFunc("/api/orders/", s.handleOrderRoutes) // /{id} and subpaths

	// API routes - Screenshots (error artifacts)
	mux.HandleFunc("/api/screenshots/", s.app.ScreenshotHandler.ServeScreenshotHandler)

	// API routes - Logs
	mux.HandleFunc("/api/logs/recent", s.app.WSHandler.GetRecentLogsHandler)

	// API routes - System
	mux.HandleFunc("/api/stats", s.app.StatusHandler.StatsHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

func (s *Server) handleBatchCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.BatchHandler.ListBatchesHandler(w, r)
	case http.MethodPost:
		s.app.BatchHandler.CreateBatchHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBatchRoutes routes /api/batches/{id} and its subpaths
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost {
		switch {
		case strings.HasSuffix(path, "/start"):
			s.app.BatchHandler.StartBatchHandler(w, r)
		case strings.HasSuffix(path, "/pause"):
			s.app.BatchHandler.PauseBatchHandler(w, r)
		case strings.HasSuffix(path, "/cancel"):
			s.app.BatchHandler.CancelBatchHandler(w, r)
		case strings.HasSuffix(path, "/retry"):
			s.app.BatchHandler.RetryBatchHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if r.Method == http.MethodGet {
		switch {
		case strings.HasSuffix(path, "/stats"):
			s.app.BatchHandler.BatchStatsHandler(w, r)
		case strings.HasSuffix(path, "/orders"):
			s.app.BatchHandler.BatchOrdersHandler(w, r)
		default:
			s.app.BatchHandler.GetBatchHandler(w, r)
		}
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleOrderRoutes routes /api/orders/{id} and its subpaths
func (s *Server) handleOrderRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost && strings.HasSuffix(path, "/retry") {
		s.app.OrderHandler.RetryOrderHandler(w, r)
		return
	}

	if r.Method == http.MethodGet {
		if strings.HasSuffix(path, "/logs") {
			s.app.OrderHandler.OrderLogsHandler(w, r)
			return
		}
		s.app.OrderHandler.GetOrderHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}
