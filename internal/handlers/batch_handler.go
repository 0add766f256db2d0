package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/ingest"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/ternarybob/despacho/internal/orchestrator"
)

// maxUploadBytes caps batch file uploads at 32 MB.
const maxUploadBytes = 32 << 20

// BatchHandler handles batch-related API requests
type BatchHandler struct {
	storage      interfaces.StorageManager
	orchestrator *orchestrator.Service
	logger       arbor.ILogger
	validate     *validator.Validate
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(storage interfaces.StorageManager, orch *orchestrator.Service, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		storage:      storage,
		orchestrator: orch,
		logger:       logger,
		validate:     validator.New(),
	}
}

// createBatchRequest is the structured JSON batch payload.
type createBatchRequest struct {
	Name        string               `json:"name" validate:"required"`
	Description string               `json:"description"`
	Orders      []createOrderRequest `json:"orders" validate:"required,min=1,dive"`
}

type createOrderRequest struct {
	ConsultoraCode string                 `json:"consultora_code" validate:"required"`
	ConsultoraName string                 `json:"consultora_name"`
	Products       []createProductRequest `json:"products" validate:"dive"`
}

type createProductRequest struct {
	ProductCode string `json:"product_code" validate:"required"`
	Quantity    int    `json:"quantity" validate:"min=0"`
}

// UploadBatchHandler creates a batch from a CSV or spreadsheet upload.
// POST /api/batches/upload (multipart: file, name, description)
func (h *BatchHandler) UploadBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	orders, err := ingest.ParseFile(header.Filename, file)
	if err != nil {
		h.logger.Warn().Err(err).Str("filename", header.Filename).Msg("Batch upload rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}
	description := r.FormValue("description")

	batchID, err := h.storage.BatchStorage().CreateBatch(ctx, name, description, header.Filename, orders)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create batch from upload")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().
		Int64("batch_id", int64(batchID)).
		Str("filename", header.Filename).
		Int("orders", len(orders)).
		Msg("Batch created from upload")

	h.writeBatch(w, r, batchID, http.StatusCreated)
}

// CreateBatchHandler creates a batch from a structured JSON payload.
// POST /api/batches
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	orders := make([]interfaces.NewOrder, len(req.Orders))
	for i, o := range req.Orders {
		products := make([]models.ProductRef, len(o.Products))
		for j, p := range o.Products {
			quantity := p.Quantity
			if quantity < 1 {
				quantity = 1
			}
			products[j] = models.ProductRef{ProductCode: p.ProductCode, Quantity: quantity}
		}
		orders[i] = interfaces.NewOrder{
			ConsultoraCode: o.ConsultoraCode,
			ConsultoraName: o.ConsultoraName,
			Products:       products,
		}
	}

	batchID, err := h.storage.BatchStorage().CreateBatch(ctx, req.Name, req.Description, "", orders)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create batch")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().
		Int64("batch_id", int64(batchID)).
		Int("orders", len(orders)).
		Msg("Batch created")

	h.writeBatch(w, r, batchID, http.StatusCreated)
}

// ListBatchesHandler returns all batches, newest first.
// GET /api/batches
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	batches, err := h.storage.BatchStorage().ListBatches(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list batches")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetBatchHandler returns a single batch by ID.
// GET /api/batches/{id}
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeBatch(w, r, id, http.StatusOK)
}

// BatchStatsHandler returns the per-batch progress aggregate.
// GET /api/batches/{id}/stats
func (h *BatchHandler) BatchStatsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.orchestrator.BatchStats(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// BatchOrdersHandler returns the orders of a batch, optionally filtered.
// GET /api/batches/{id}/orders?status=failed&limit=50&offset=0
func (h *BatchHandler) BatchOrdersHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := &interfaces.OrderFilter{
		Status: models.OrderStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if parsed, err := strconv.Atoi(offset); err == nil && parsed > 0 {
			filter.Offset = parsed
		}
	}

	orders, err := h.storage.OrderStorage().GetBatchOrders(r.Context(), id, filter)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": id,
		"orders":   orders,
		"count":    len(orders),
	})
}

// StartBatchHandler begins (or resumes) dispatch for a batch.
// POST /api/batches/{id}/start
func (h *BatchHandler) StartBatchHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := h.orchestrator.StartBatch(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "started",
		"batch_id": id,
		"task_id":  taskID,
	})
}

// PauseBatchHandler pauses a running batch.
// POST /api/batches/{id}/pause
func (h *BatchHandler) PauseBatchHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.orchestrator.PauseBatch(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "batch paused")
}

// CancelBatchHandler cancels a batch.
// POST /api/batches/{id}/cancel
func (h *BatchHandler) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.orchestrator.CancelBatch(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "batch cancelled")
}

// RetryBatchHandler re-enqueues all retryable failed orders of a batch.
// POST /api/batches/{id}/retry
func (h *BatchHandler) RetryBatchHandler(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, 2)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := h.orchestrator.RetryBatchFailures(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "started",
		"batch_id": id,
		"task_id":  taskID,
	})
}

func (h *BatchHandler) writeBatch(w http.ResponseWriter, r *http.Request, id uint64, statusCode int) {
	batch, err := h.storage.BatchStorage().GetBatch(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, statusCode, batch)
}
