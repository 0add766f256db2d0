package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/orchestrator"
)

// StatusHandler serves the system-wide stats, health and version endpoints
type StatusHandler struct {
	orchestrator *orchestrator.Service
	config       *common.Config
	logger       arbor.ILogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(orch *orchestrator.Service, config *common.Config, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		orchestrator: orch,
		config:       config,
		logger:       logger,
	}
}

// StatsHandler returns the application-wide aggregate.
// GET /api/stats
func (h *StatusHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.SystemStats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to compute system stats")
		WriteServiceError(w, err)
		return
	}

	stats.ScreenshotCount = h.countScreenshots()
	WriteJSON(w, http.StatusOK, stats)
}

// HealthHandler reports process liveness.
// GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "despacho",
		"version":   common.GetVersion(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// VersionHandler returns build information.
// GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

func (h *StatusHandler) countScreenshots() int {
	entries, err := os.ReadDir(h.config.Storage.Screenshot)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".png") {
			count++
		}
	}
	return count
}
