package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/orchestrator"
)

// OrderHandler handles order-related API requests
type OrderHandler struct {
	storage      interfaces.StorageManager
	orchestrator *orchestrator.Service
	logger       arbor.ILogger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(storage interfaces.StorageManager, orch *orchestrator.Service, logger arbor.ILogger) *OrderHandler {
	return &OrderHandler{
		storage:      storage,
		orchestrator: orch,
		logger:       logger,
	}
}

// GetOrderHandler returns a single order with its product lines.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	order, err := h.storage.OrderStorage().GetOrder(ctx, id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	products, err := h.storage.OrderStorage().GetOrderProducts(ctx, id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"order":    order,
		"products": products,
	})
}

// RetryOrderHandler manually re-enqueues one failed or cancelled order.
// POST /api/orders/{id}/retry
func (h *OrderHandler) RetryOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.orchestrator.RetrySingleOrder(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "started",
		"order_id": id,
	})
}

// OrderLogsHandler returns the append-only step timeline of an order.
// GET /api/orders/{id}/logs
func (h *OrderHandler) OrderLogsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	logs, err := h.storage.OrderLogStorage().GetOrderLogs(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": id,
		"logs":     logs,
		"count":    len(logs),
	})
}
