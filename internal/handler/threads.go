package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/middleware"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/service"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// ThreadHandler handles thread endpoints.
type ThreadHandler struct {
	service *service.ThreadService
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(svc *service.ThreadService, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{
		service: svc,
		logger:  log,
	}
}

// threadID reads and validates the {id} path parameter.
func threadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Create handles POST /api/v1/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateThreadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := h.service.Create(&req)
	if err != nil {
		h.logger.Error("failed to create thread", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	writeJSON(w, http.StatusCreated, thread)
}

// List handles GET /api/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	writeJSON(w, http.StatusOK, h.service.List(limit, offset))
}

// Get handles GET /api/v1/threads/{id}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	thread, err := h.service.Get(id)
	if err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to get thread")
		}
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

// Update handles PUT /api/v1/threads/{id}
func (h *ThreadHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	var req model.UpdateThreadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := h.service.Rename(id, &req)
	if err != nil {
		if !writeServiceError(w, err) {
			h.logger.Error("failed to update thread", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update thread")
		}
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

// Delete handles DELETE /api/v1/threads/{id}
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(id); err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to delete thread")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Select handles POST /api/v1/threads/{id}/select
func (h *ThreadHandler) Select(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	if err := h.service.Select(id); err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to select thread")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"current_id": id})
}

// Draft handles PUT /api/v1/threads/{id}/draft
func (h *ThreadHandler) Draft(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	var req model.DraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if len(req.Draft) > middleware.MaxContentLength {
		writeError(w, http.StatusBadRequest, "draft exceeds maximum length")
		return
	}

	if err := h.service.SetDraft(id, &req); err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to save draft")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
