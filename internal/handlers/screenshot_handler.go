package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
)

// ScreenshotHandler serves error screenshots captured by the browser driver
type ScreenshotHandler struct {
	config *common.Config
	logger arbor.ILogger
}

// NewScreenshotHandler creates a new screenshot handler
func NewScreenshotHandler(config *common.Config, logger arbor.ILogger) *ScreenshotHandler {
	return &ScreenshotHandler{
		config: config,
		logger: logger,
	}
}

// ServeScreenshotHandler streams one screenshot file.
// GET /api/screenshots/{filename}
func (h *ScreenshotHandler) ServeScreenshotHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	name := filepath.Base(strings.TrimPrefix(r.URL.Path, "/api/screenshots/"))
	if name == "" || name == "." || name == "/" {
		WriteError(w, http.StatusBadRequest, "screenshot filename is required")
		return
	}
	// filepath.Base strips traversal, the extension check keeps this to driver artifacts
	if !strings.EqualFold(filepath.Ext(name), ".png") {
		WriteError(w, http.StatusBadRequest, "only .png screenshots are served")
		return
	}

	path := filepath.Join(h.config.Storage.Screenshot, name)
	if _, err := os.Stat(path); err != nil {
		WriteError(w, http.StatusNotFound, "screenshot not found")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}
