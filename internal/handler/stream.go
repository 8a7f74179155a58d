package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/middleware"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/internal/service"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

const (
	heartbeatInterval = 30 * time.Second
	subscriberBuffer  = 256
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	messages  *MessageHandler
	store     *store.Store
	params    *params.Store
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler. ps may be nil.
func NewStreamHandler(messages *MessageHandler, st *store.Store, ps *params.Store, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		messages:  messages,
		store:     st,
		params:    ps,
		logger:    log,
		heartbeat: heartbeatInterval,
	}
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// startSSE sets the event-stream headers and returns the flusher.
func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// Stream handles GET /api/v1/threads/{id}/stream. It sends the thread as a
// snapshot and then every store event for that thread, plus parameter
// changes, until the client goes away or the thread is deleted.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	// Subscribe before reading the snapshot so no event falls in between.
	events, unsubscribe := h.store.Subscribe(subscriberBuffer)
	defer unsubscribe()

	snapshot, err := h.messages.threads.Messages(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := startSSE(w)
	if !ok {
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "snapshot", snapshot)

	var paramUpdates <-chan model.Parameters
	if h.params != nil {
		updates, cancel := h.params.Subscribe()
		defer cancel()
		paramUpdates = updates
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("thread_id", id))
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ThreadID != id {
				continue
			}
			if err := sendSSEEvent(w, flusher, string(ev.Kind), ev); err != nil {
				return
			}
			if ev.Kind == model.EventThreadDeleted {
				return
			}

		case p, ok := <-paramUpdates:
			if !ok {
				paramUpdates = nil
				continue
			}
			sendSSEEvent(w, flusher, "params", p)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

type sendResult struct {
	exchange *service.Exchange
	err      error
}

// StreamWithMessage handles POST /api/v1/threads/{id}/stream. It sends the
// message and relays the reply as it is written to the store.
func (h *StreamHandler) StreamWithMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, req, ok := h.messages.decodeSend(w, r)
	if !ok {
		return
	}

	events, unsubscribe := h.store.Subscribe(subscriberBuffer)
	defer unsubscribe()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "thread", map[string]string{"thread_id": id})

	done := make(chan sendResult, 1)
	go func() {
		ex, err := h.messages.chat.SendMessage(context.WithoutCancel(ctx), req.Content, service.SendOptions{
			ThreadID:    id,
			DocumentIDs: req.DocumentIDs,
		})
		done <- sendResult{exchange: ex, err: err}
	}()

	relay := &tokenRelay{threadID: id}
	for {
		select {
		case <-ctx.Done():
			// The reply keeps generating and lands in the thread.
			h.logger.Debug("SSE client disconnected during generation", zap.String("thread_id", id))
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			relay.forward(w, flusher, ev)

		case res := <-done:
			// Everything the send published is already buffered.
			for drained := false; !drained; {
				select {
				case ev, ok := <-events:
					if !ok {
						drained = true
						continue
					}
					relay.forward(w, flusher, ev)
				default:
					drained = true
				}
			}
			h.finish(w, flusher, res, middleware.GetCorrelationID(ctx))
			return
		}
	}
}

func (h *StreamHandler) finish(w http.ResponseWriter, flusher http.Flusher, res sendResult, correlationID string) {
	if res.err != nil && res.exchange == nil {
		h.logger.Error("stream send failed",
			zap.String("correlation_id", correlationID),
			zap.Error(res.err),
		)
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "send_error",
			Message: res.err.Error(),
		})
		return
	}
	if res.exchange == nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "empty_content",
			Message: "content cannot be empty",
		})
		return
	}

	ex := res.exchange
	switch ex.Outcome {
	case service.OutcomeFallbackFailed, service.OutcomeFailed:
		h.logger.Warn("stream generation failed",
			zap.String("correlation_id", correlationID),
			zap.String("outcome", string(ex.Outcome)),
			zap.Error(ex.Err),
		)
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    string(ex.Outcome),
			Message: "generation failed",
		})
	}

	sendSSEEvent(w, flusher, "message_complete", &model.MessageCompleteEvent{
		Message: ex.AssistantMessage,
		Outcome: string(ex.Outcome),
	})
	sendSSEEvent(w, flusher, "done", map[string]bool{
		"success": ex.Outcome == service.OutcomeStreamed ||
			ex.Outcome == service.OutcomeFallbackOK ||
			ex.Outcome == service.OutcomeSingleShot,
	})
}

// tokenRelay turns store events for the reply being generated into
// token and replace events.
type tokenRelay struct {
	threadID  string
	messageID int64
	index     int
}

func (t *tokenRelay) forward(w http.ResponseWriter, flusher http.Flusher, ev model.Event) {
	if ev.ThreadID != t.threadID {
		return
	}

	switch ev.Kind {
	case model.EventMessageAppended:
		if ev.Generating && t.messageID == 0 {
			t.messageID = ev.MessageID
		}
	case model.EventVariantAppended:
		if ev.MessageID != t.messageID {
			return
		}
		sendSSEEvent(w, flusher, "token", &model.TokenEvent{
			MessageID: ev.MessageID,
			VariantID: ev.VariantID,
			Token:     ev.Delta,
			Index:     t.index,
		})
		t.index++
	case model.EventVariantReplaced:
		if ev.MessageID != t.messageID {
			return
		}
		sendSSEEvent(w, flusher, "replace", &model.ReplaceEvent{
			MessageID: ev.MessageID,
			VariantID: ev.VariantID,
			Text:      ev.Delta,
		})
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
