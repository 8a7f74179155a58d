package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// ParamsHandler exposes the model parameter store.
type ParamsHandler struct {
	params *params.Store
	logger *logger.Logger
}

// NewParamsHandler creates a new parameters handler.
func NewParamsHandler(ps *params.Store, log *logger.Logger) *ParamsHandler {
	return &ParamsHandler{params: ps, logger: log}
}

// Get handles GET /api/v1/params
func (h *ParamsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.params.Get())
}

// Patch handles PATCH /api/v1/params
func (h *ParamsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req params.Partial
	if !decodeJSON(w, r, &req) {
		return
	}

	updated := h.params.Set(req)
	h.logger.Info("parameters updated",
		zap.Float64("temperature", updated.Temperature),
		zap.Int("n_predict", updated.MaxTokens),
		zap.Bool("stream", updated.Stream),
	)
	writeJSON(w, http.StatusOK, updated)
}
