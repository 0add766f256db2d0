package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/despacho/internal/orchestrator"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps a service error to the right HTTP status: illegal
// state transitions are client errors, missing records are 404s, everything
// else is a 500.
func WriteServiceError(w http.ResponseWriter, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrIllegalTransition):
		return WriteError(w, http.StatusBadRequest, err.Error())
	case strings.Contains(err.Error(), "not found"):
		return WriteError(w, http.StatusNotFound, err.Error())
	default:
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// PathID extracts the numeric ID from a path segment.
// For /api/batches/{id}/start, segment index 2 holds the ID.
func PathID(r *http.Request, segment int) (uint64, error) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if segment >= len(parts) {
		return 0, errors.New("missing ID in path")
	}
	id, err := strconv.ParseUint(parts[segment], 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid ID in path")
	}
	return id, nil
}
