package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/llm"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

// errStreamTimeout is reported when the watchdog fires.
var errStreamTimeout = &llm.CallError{Kind: llm.KindTimeout, Message: "stream did not finish in time"}

type recvResult struct {
	chunk llm.StreamChunk
	err   error
}

// streamHandle lets the watchdog close a stream the reader goroutine opened.
type streamHandle struct {
	mu     sync.Mutex
	stream llm.ChunkStream
	closed bool
}

// set stores the stream. It returns false when the handle was already
// closed; the caller must then close the stream itself.
func (h *streamHandle) set(st llm.ChunkStream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.stream = st
	return true
}

func (h *streamHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.stream != nil {
		_ = h.stream.Close()
	}
}

// streamWithFallback streams into the generation's variant and falls back to
// a single-shot call when the stream fails or stalls.
func (s *ChatService) streamWithFallback(ctx context.Context, g *generation, history []llm.ChatMessage, p model.Parameters) (Outcome, error) {
	streamErr := s.stream(ctx, g, history, p)
	if streamErr == nil {
		return OutcomeStreamed, nil
	}
	if ctx.Err() != nil || !s.current(g) {
		return s.cancelled(g)
	}

	reason := string(llm.KindOf(streamErr))
	if reason == "" {
		reason = "unknown"
	}
	metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	g.log.Warn("stream failed, falling back to single-shot completion",
		zap.String("reason", reason),
		zap.Error(streamErr),
	)

	ctx, span := s.tracer.Start(ctx, "chat.fallback")
	defer span.End()

	text, err := s.client.CompleteOnce(ctx, history, p)
	if ctx.Err() != nil || !s.current(g) {
		return s.cancelled(g)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback failed")
		g.log.Error("fallback completion failed", zap.Error(err))
		_ = s.store.SetVariantText(g.threadID, g.messageID, g.variantID, ApologyText)
		return OutcomeFallbackFailed, errors.Join(streamErr, err)
	}

	// Partial streamed text is discarded in favour of the complete answer.
	_ = s.store.SetVariantText(g.threadID, g.messageID, g.variantID, text)
	return OutcomeFallbackOK, streamErr
}

// stream reads chunks into the variant until the stream completes. A nil
// return means a terminal chunk arrived. The watchdog covers the whole call,
// including the wait for response headers.
func (s *ChatService) stream(ctx context.Context, g *generation, history []llm.ChatMessage, p model.Parameters) error {
	ctx, span := s.tracer.Start(ctx, "chat.stream")
	defer span.End()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := time.NewTimer(s.streamTimeout)
	defer watchdog.Stop()

	handle := &streamHandle{}
	defer handle.close()

	results := make(chan recvResult)
	go func() {
		defer close(results)

		st, err := s.client.CompleteStreaming(callCtx, history, p)
		if err != nil {
			select {
			case results <- recvResult{err: err}:
			case <-callCtx.Done():
			}
			return
		}
		if !handle.set(st) {
			_ = st.Close()
			return
		}

		for {
			chunk, err := st.Recv()
			select {
			case results <- recvResult{chunk: chunk, err: err}:
			case <-callCtx.Done():
				return
			}
			if err != nil || chunk.Done {
				return
			}
		}
	}()

	chunks := 0
	defer func() { span.SetAttributes(attribute.Int("chunks", chunks)) }()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				// Reader stopped without a terminal result.
				if err := ctx.Err(); err != nil {
					return err
				}
				return &llm.CallError{Kind: llm.KindNetwork, Message: "stream ended unexpectedly"}
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				span.RecordError(res.err)
				return res.err
			}
			if !s.current(g) {
				return context.Canceled
			}
			if res.chunk.Content != "" {
				applied, err := s.appendChunk(g, res.chunk.Content)
				if err != nil {
					return err
				}
				if !applied {
					return context.Canceled
				}
				chunks++
				metrics.ChunksTotal.Inc()
			}
			if res.chunk.Done {
				return nil
			}

		case <-watchdog.C:
			cancel()
			handle.close()
			span.SetStatus(codes.Error, "stream timeout")
			return errStreamTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// appendChunk writes a chunk to g's variant unless g has gone stale. The
// epoch is checked under s.mu, so a Cancel cannot land between the check
// and the write.
func (s *ChatService) appendChunk(g *generation, delta string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[g.threadID] != g.epoch {
		return false, nil
	}
	err := s.store.AppendVariantText(g.threadID, g.messageID, g.variantID, delta)
	switch {
	case errors.Is(err, store.ErrThreadNotFound), errors.Is(err, store.ErrMessageNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// singleShot is used when streaming is disabled in the parameters.
func (s *ChatService) singleShot(ctx context.Context, g *generation, history []llm.ChatMessage, p model.Parameters) (Outcome, error) {
	text, err := s.client.CompleteOnce(ctx, history, p)
	if ctx.Err() != nil || !s.current(g) {
		return s.cancelled(g)
	}
	if err != nil {
		g.log.Error("completion failed", zap.Error(err))
		_ = s.store.SetVariantText(g.threadID, g.messageID, g.variantID, ApologyText)
		return OutcomeFailed, err
	}

	_ = s.store.SetVariantText(g.threadID, g.messageID, g.variantID, text)
	return OutcomeSingleShot, nil
}
