package queue

import (
	"encoding/json"
	"net/http"

	"github.com/AYHALOUI/retry-queue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrInvalidItem, Status: http.StatusBadRequest},
	{Error: ErrNotFailed, Status: http.StatusConflict, Message: "queue item is not in the failed state"},
	{Error: ErrVersionConflict, Status: http.StatusConflict, Message: "queue item is being processed, try again"},
}

// Handler handles HTTP requests for the queue module.
type Handler struct {
	coordinator *Coordinator
	validator   *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{
		coordinator: coordinator,
		validator:   validator.New(),
	}
}

// RegisterRoutes registers all queue routes. Administrative routes run
// behind the given middlewares (operator auth when enabled, none otherwise).
func (h *Handler) RegisterRoutes(r chi.Router, operatorMiddleware ...func(http.Handler) http.Handler) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/", h.List)
		r.Post("/process", h.Process)
		r.Get("/{id}", h.GetItem)

		r.Group(func(r chi.Router) {
			r.Use(operatorMiddleware...)
			r.Post("/reset-failed", h.ResetAllFailed)
			r.Delete("/{id}", h.Remove)
			r.Post("/{id}/force-retry", h.ForceRetry)
			r.Post("/{id}/reset", h.ResetOne)
		})
	})
	r.Get("/stats", h.Stats)
}

// EnqueueRequest represents the request body for enqueueing an item.
type EnqueueRequest struct {
	ID         string          `json:"id" validate:"required"`
	EntityType string          `json:"entity_type" validate:"required"`
	Data       json.RawMessage `json:"data" validate:"required"`
	Reason     string          `json:"reason"`
}

// EnqueueResponse wraps the enqueue outcome.
type EnqueueResponse struct {
	Status string `json:"status"` // queued or already_queued
	Item   *Item  `json:"item"`
}

// Enqueue handles POST /queue.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, alreadyQueued, err := h.coordinator.Enqueue(r.Context(), EnqueueInput{
		ID:         req.ID,
		EntityType: req.EntityType,
		Data:       req.Data,
		Reason:     req.Reason,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if alreadyQueued {
		httputil.Success(w, http.StatusOK, EnqueueResponse{Status: "already_queued", Item: item})
		return
	}
	httputil.Success(w, http.StatusCreated, EnqueueResponse{Status: "queued", Item: item})
}

// ListResponse wraps a list of items with its count.
type ListResponse struct {
	Count int     `json:"count"`
	Items []*Item `json:"items"`
}

// List handles GET /queue with optional status and entity_type filters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		Status:     Status(r.URL.Query().Get("status")),
		EntityType: r.URL.Query().Get("entity_type"),
	}

	items, err := h.coordinator.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, ListResponse{Count: len(items), Items: items})
}

// GetItem handles GET /queue/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// Remove handles DELETE /queue/{id}.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Process handles POST /queue/process: one triggered processing cycle.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	summary, err := h.coordinator.ProcessDue(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, summary)
}

// ForceRetry handles POST /queue/{id}/force-retry.
func (h *Handler) ForceRetry(w http.ResponseWriter, r *http.Request) {
	item, err := h.coordinator.ForceRetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// ResetOne handles POST /queue/{id}/reset.
func (h *Handler) ResetOne(w http.ResponseWriter, r *http.Request) {
	count, err := h.coordinator.ResetFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"reset_count": count})
}

// ResetAllFailed handles POST /queue/reset-failed.
func (h *Handler) ResetAllFailed(w http.ResponseWriter, r *http.Request) {
	count, err := h.coordinator.ResetFailed(r.Context(), "")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"reset_count": count})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordinator.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}
