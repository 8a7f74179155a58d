package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/middleware"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/service"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	chat    *service.ChatService
	threads *service.ThreadService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(chat *service.ChatService, threads *service.ThreadService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		chat:    chat,
		threads: threads,
		logger:  log,
	}
}

// ExchangeResponse is the result of sending a message.
type ExchangeResponse struct {
	ThreadID         string        `json:"thread_id"`
	UserMessage      model.Message `json:"user_message"`
	AssistantMessage model.Message `json:"assistant_message"`
	Outcome          string        `json:"outcome"`
	DurationMs       int64         `json:"duration_ms"`
}

func newExchangeResponse(ex *service.Exchange) *ExchangeResponse {
	return &ExchangeResponse{
		ThreadID:         ex.ThreadID,
		UserMessage:      ex.UserMessage,
		AssistantMessage: ex.AssistantMessage,
		Outcome:          string(ex.Outcome),
		DurationMs:       ex.Duration.Milliseconds(),
	}
}

// messageParams reads the {id} and {mid} path parameters.
func messageParams(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	id, ok := threadID(w, r)
	if !ok {
		return "", 0, false
	}
	mid, err := middleware.ParseMessageID(chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, false
	}
	return id, mid, true
}

// decodeSend reads and validates a send request for an existing thread.
func (h *MessageHandler) decodeSend(w http.ResponseWriter, r *http.Request) (string, *model.SendMessageRequest, bool) {
	id, ok := threadID(w, r)
	if !ok {
		return "", nil, false
	}

	if _, err := h.threads.Get(id); err != nil {
		writeServiceError(w, err)
		return "", nil, false
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return "", nil, false
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	if err := middleware.ValidateDocumentIDs(req.DocumentIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return id, &req, true
}

// List handles GET /api/v1/threads/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	resp, err := h.threads.Messages(id)
	if err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to get messages")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/threads/{id}/messages. It returns once the
// response has settled.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeSend(w, r)
	if !ok {
		return
	}

	// The generation outlives a client that disconnects; its result stays
	// in the thread.
	ctx := context.WithoutCancel(r.Context())

	ex, err := h.chat.SendMessage(ctx, req.Content, service.SendOptions{
		ThreadID:    id,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		if !writeServiceError(w, err) {
			h.logger.Error("failed to send message",
				zap.String("thread_id", id),
				zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}
	if ex == nil {
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return
	}

	writeJSON(w, http.StatusCreated, newExchangeResponse(ex))
}

// Regenerate handles POST /api/v1/threads/{id}/messages/{mid}/regenerate
func (h *MessageHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id, mid, ok := messageParams(w, r)
	if !ok {
		return
	}

	v, err := h.chat.RegenerateMessage(context.WithoutCancel(r.Context()), id, mid)
	if err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusBadGateway, "failed to regenerate message")
		}
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

// NextVariant handles POST /api/v1/threads/{id}/messages/{mid}/variants/next
func (h *MessageHandler) NextVariant(w http.ResponseWriter, r *http.Request) {
	h.cycle(w, r, h.chat.NextVariant)
}

// PreviousVariant handles POST /api/v1/threads/{id}/messages/{mid}/variants/previous
func (h *MessageHandler) PreviousVariant(w http.ResponseWriter, r *http.Request) {
	h.cycle(w, r, h.chat.PreviousVariant)
}

func (h *MessageHandler) cycle(w http.ResponseWriter, r *http.Request, step func(string, int64) (model.Message, error)) {
	id, mid, ok := messageParams(w, r)
	if !ok {
		return
	}

	msg, err := step(id, mid)
	if err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to select variant")
		}
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Edit handles PUT /api/v1/threads/{id}/messages/{mid}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id, mid, ok := messageParams(w, r)
	if !ok {
		return
	}

	var req model.EditMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.chat.EditMessage(id, mid, req.Content)
	if err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to edit message")
		}
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// Delete handles DELETE /api/v1/threads/{id}/messages/{mid}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, mid, ok := messageParams(w, r)
	if !ok {
		return
	}

	if err := h.threads.DeleteMessage(id, mid); err != nil {
		if !writeServiceError(w, err) {
			writeError(w, http.StatusInternalServerError, "failed to delete message")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles POST /api/v1/threads/{id}/cancel
func (h *MessageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	if _, err := h.threads.Get(id); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.chat.Cancel(id)})
}
