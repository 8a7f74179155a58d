package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/llm"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/store"
)

// RegenerateMessage asks for a new response to the history before an
// assistant message and adds it as the message's current variant. On
// failure the message is left as it was. Regeneration never streams.
func (s *ChatService) RegenerateMessage(ctx context.Context, threadID string, messageID int64) (model.Variant, error) {
	thread, err := s.store.Thread(threadID)
	if err != nil {
		return model.Variant{}, err
	}
	idx := thread.MessageIndex(messageID)
	if idx < 0 {
		return model.Variant{}, store.ErrMessageNotFound
	}
	msg := thread.Messages[idx]
	if msg.Role != model.RoleAssistant {
		return model.Variant{}, ErrNotAssistant
	}

	if !s.claim(msg) {
		return model.Variant{}, ErrMessageBusy
	}
	defer s.release(messageID)

	log := s.logger.ForThread(threadID, messageID)
	ctx, span := s.tracer.Start(ctx, "chat.regenerate", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int64("message.id", messageID),
	))
	defer span.End()

	history := llm.HistoryFromMessages(thread.Messages[:idx])
	text, err := s.client.CompleteOnce(ctx, history, s.params.Get())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "regenerate failed")
		recordRegeneration(err)
		log.Warn("regeneration failed", zap.Error(err))
		return model.Variant{}, fmt.Errorf("failed to regenerate message: %w", err)
	}

	v, err := s.store.AddVariant(threadID, messageID, text, true)
	recordRegeneration(err)
	if err != nil {
		return model.Variant{}, err
	}

	log.Info("message regenerated", zap.String("variant_id", v.ID))
	return v, nil
}

// claim marks a message as being regenerated. It fails when the message is
// already producing output.
func (s *ChatService) claim(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.IsGenerating || s.regen[msg.ID] {
		return false
	}
	s.regen[msg.ID] = true
	return true
}

func (s *ChatService) release(messageID int64) {
	s.mu.Lock()
	delete(s.regen, messageID)
	s.mu.Unlock()
}

// NextVariant selects the following variant, wrapping to the first.
func (s *ChatService) NextVariant(threadID string, messageID int64) (model.Message, error) {
	return s.cycleVariant(threadID, messageID, 1)
}

// PreviousVariant selects the preceding variant, wrapping to the last.
func (s *ChatService) PreviousVariant(threadID string, messageID int64) (model.Message, error) {
	return s.cycleVariant(threadID, messageID, -1)
}

func (s *ChatService) cycleVariant(threadID string, messageID int64, step int) (model.Message, error) {
	msg, err := s.store.Message(threadID, messageID)
	if err != nil {
		return model.Message{}, err
	}

	n := len(msg.Variants)
	if n <= 1 {
		return msg, nil
	}

	cur := msg.CurrentIndex()
	if cur < 0 {
		cur = 0
	}
	next := ((cur+step)%n + n) % n

	if err := s.store.SetCurrentVariant(threadID, messageID, msg.Variants[next].ID); err != nil {
		return model.Message{}, err
	}
	return s.store.Message(threadID, messageID)
}

// EditMessage adds text as a new current variant of a user message. The
// original text stays available as an earlier variant.
func (s *ChatService) EditMessage(threadID string, messageID int64, text string) (model.Variant, error) {
	if strings.TrimSpace(text) == "" {
		return model.Variant{}, ErrEmptyContent
	}

	msg, err := s.store.Message(threadID, messageID)
	if err != nil {
		return model.Variant{}, err
	}
	if msg.Role != model.RoleUser {
		return model.Variant{}, ErrNotUserMessage
	}

	return s.store.AddVariant(threadID, messageID, text, true)
}
