// Package service implements the chat session engine: sending messages,
// streaming responses into the store, falling back to single-shot
// completions and managing response variants.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/documents"
	"github.com/spadaval/graphchat-sub000/internal/llm"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

const (
	// DefaultStreamTimeout bounds a streamed response, measured from the
	// start of the call.
	DefaultStreamTimeout = 30 * time.Second

	// ApologyText replaces the response when both streaming and the
	// single-shot fallback failed.
	ApologyText = "Sorry, something went wrong while generating a response. Please try again."

	// CancelledText fills a response that was cancelled before any output.
	CancelledText = model.CancelledText

	// MaxTitleLength is the length, in characters, of a thread title derived
	// from the first message.
	MaxTitleLength = 100
)

var (
	ErrNotAssistant   = errors.New("only assistant messages can be regenerated")
	ErrNotUserMessage = errors.New("only user messages can be edited")
	ErrMessageBusy    = errors.New("message is still generating")
	ErrEmptyContent   = errors.New("content is empty")
)

// Outcome is how a generation settled.
type Outcome string

const (
	OutcomeStreamed       Outcome = "streamed"
	OutcomeFallbackOK     Outcome = "fallback_ok"
	OutcomeFallbackFailed Outcome = "fallback_failed"
	OutcomeSingleShot     Outcome = "single_shot"
	OutcomeFailed         Outcome = "failed"
	OutcomeCancelled      Outcome = "cancelled"
)

// SendOptions controls SendMessage.
type SendOptions struct {
	// ThreadID targets a thread. Empty means the current thread.
	ThreadID string

	// DocumentIDs are added to the documents mentioned in the text.
	DocumentIDs []string
}

// Exchange is the result of one SendMessage call.
type Exchange struct {
	ThreadID         string
	ThreadCreated    bool
	UserMessage      model.Message
	AssistantMessage model.Message
	Outcome          Outcome
	Duration         time.Duration

	// Err is the failure that caused a fallback or a failed outcome. It is
	// for logs and diagnostics; the message text never contains it.
	Err error
}

// ChatService is the session engine.
type ChatService struct {
	store  *store.Store
	client llm.Client
	params *params.Store
	docs   documents.Provider
	logger *logger.Logger
	tracer trace.Tracer

	streamTimeout time.Duration

	mu sync.Mutex
	// epochs advance when a thread's in-flight generations are cancelled.
	epochs   map[string]uint64
	inflight map[string]map[int64]context.CancelFunc
	regen    map[int64]bool
}

// Option configures a ChatService.
type Option func(*ChatService)

// WithStreamTimeout overrides the stream watchdog.
func WithStreamTimeout(d time.Duration) Option {
	return func(s *ChatService) {
		if d > 0 {
			s.streamTimeout = d
		}
	}
}

// WithDocuments enables @-mention context documents.
func WithDocuments(p documents.Provider) Option {
	return func(s *ChatService) { s.docs = p }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *ChatService) { s.logger = l }
}

// WithTracer overrides the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(s *ChatService) { s.tracer = t }
}

// NewChatService creates the session engine.
func NewChatService(st *store.Store, client llm.Client, ps *params.Store, opts ...Option) *ChatService {
	s := &ChatService{
		store:         st,
		client:        client,
		params:        ps,
		logger:        logger.NewNop(),
		tracer:        otel.Tracer("github.com/spadaval/graphchat-sub000/internal/service"),
		streamTimeout: DefaultStreamTimeout,
		epochs:        make(map[string]uint64),
		inflight:      make(map[string]map[int64]context.CancelFunc),
		regen:         make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// generation is one assistant response being produced.
type generation struct {
	threadID  string
	messageID int64
	variantID string
	epoch     uint64
	log       *logger.Logger
}

// SendMessage appends a user message and an assistant response to a thread
// and drives the response to completion. Blank text is ignored and returns
// a nil Exchange.
func (s *ChatService) SendMessage(ctx context.Context, text string, opts SendOptions) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	start := time.Now()

	threadID, created, err := s.targetThread(text, opts.ThreadID)
	if err != nil {
		return nil, err
	}
	// A new send supersedes any response still generating in the thread.
	if s.Active(threadID) {
		s.Cancel(threadID)
	}

	userMsg, err := s.store.AppendMessage(threadID, model.RoleUser, text, false)
	if err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}
	_ = s.store.SetDraft(threadID, "")

	// The history is fixed before the placeholder exists.
	thread, err := s.store.Thread(threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}
	history := s.buildHistory(thread.Messages, text, opts.DocumentIDs)

	placeholder, err := s.store.AppendMessage(threadID, model.RoleAssistant, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to append assistant message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int64("message.id", placeholder.ID),
		attribute.Int("history.length", len(history)),
	))
	defer span.End()

	genCtx, g := s.begin(ctx, threadID, placeholder)

	ex := &Exchange{
		ThreadID:         threadID,
		ThreadCreated:    created,
		UserMessage:      userMsg,
		AssistantMessage: placeholder,
	}

	func() {
		defer s.settle(g, ex)

		p := s.params.Get()
		if p.Stream {
			ex.Outcome, ex.Err = s.streamWithFallback(genCtx, g, history, p)
		} else {
			ex.Outcome, ex.Err = s.singleShot(genCtx, g, history, p)
		}
	}()

	ex.Duration = time.Since(start)
	if msg, err := s.store.Message(threadID, placeholder.ID); err == nil {
		ex.AssistantMessage = msg
	}

	metrics.RecordGeneration(string(ex.Outcome), ex.Duration.Seconds())
	span.SetAttributes(attribute.String("outcome", string(ex.Outcome)))
	if ex.Err != nil {
		span.RecordError(ex.Err)
	}
	if ex.Outcome == OutcomeFallbackFailed || ex.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "generation failed")
	}

	g.log.Info("generation settled",
		zap.String("outcome", string(ex.Outcome)),
		zap.Duration("duration", ex.Duration),
	)
	return ex, nil
}

// targetThread returns the thread a message goes to, creating one titled
// after the message when there is no usable target.
func (s *ChatService) targetThread(text, requested string) (string, bool, error) {
	id := requested
	if id == "" {
		id = s.store.CurrentThreadID()
	}
	if id != "" {
		if _, err := s.store.Thread(id); err == nil {
			return id, false, nil
		}
	}

	thread := s.store.CreateThread(Title(text))
	if err := s.SwitchThread(thread.ID); err != nil {
		return "", false, err
	}
	s.logger.Info("thread created", zap.String("thread_id", thread.ID))
	return thread.ID, true, nil
}

// Title derives a thread title from the first message.
func Title(text string) string {
	if utf8.RuneCountInString(text) <= MaxTitleLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxTitleLength])
}

func (s *ChatService) buildHistory(msgs []model.Message, text string, docIDs []string) []llm.ChatMessage {
	history := llm.HistoryFromMessages(msgs)

	if prompt := documents.ContextPrompt(documents.Resolve(s.docs, text, docIDs)); prompt != "" {
		history = append([]llm.ChatMessage{{Role: string(model.RoleSystem), Content: prompt}}, history...)
	}
	return history
}

// begin registers an in-flight generation and marks the thread busy.
func (s *ChatService) begin(ctx context.Context, threadID string, msg model.Message) (context.Context, *generation) {
	genCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	g := &generation{
		threadID:  threadID,
		messageID: msg.ID,
		variantID: msg.CurrentVariantID,
		epoch:     s.epochs[threadID],
		log:       s.logger.ForThread(threadID, msg.ID),
	}
	if s.inflight[threadID] == nil {
		s.inflight[threadID] = make(map[int64]context.CancelFunc)
	}
	s.inflight[threadID][msg.ID] = cancel
	s.mu.Unlock()

	_ = s.store.SetBusy(threadID, true)
	return genCtx, g
}

// settle runs on every exit from a generation, including panics.
func (s *ChatService) settle(g *generation, ex *Exchange) {
	if r := recover(); r != nil {
		g.log.Error("generation panicked", zap.Any("panic", r), zap.Stack("stack"))
		ex.Err = fmt.Errorf("generation panicked: %v", r)
		ex.Outcome = OutcomeFailed
		if s.current(g) {
			_ = s.store.SetVariantText(g.threadID, g.messageID, g.variantID, ApologyText)
		}
	}

	_ = s.store.SetGenerating(g.threadID, g.messageID, false)

	s.mu.Lock()
	if cancel, ok := s.inflight[g.threadID][g.messageID]; ok {
		cancel()
		delete(s.inflight[g.threadID], g.messageID)
	}
	idle := len(s.inflight[g.threadID]) == 0
	if idle {
		delete(s.inflight, g.threadID)
	}
	s.mu.Unlock()

	if idle {
		_ = s.store.SetBusy(g.threadID, false)
	}
}

// current reports whether g may still write to its message.
func (s *ChatService) current(g *generation) bool {
	s.mu.Lock()
	epoch := s.epochs[g.threadID]
	s.mu.Unlock()
	if epoch != g.epoch {
		return false
	}
	_, err := s.store.Message(g.threadID, g.messageID)
	return err == nil
}

// cancelled finishes a stale generation. Existing text is kept; an empty
// response gets a marker so it is not left blank.
func (s *ChatService) cancelled(g *generation) (Outcome, error) {
	msg, err := s.store.Message(g.threadID, g.messageID)
	if err == nil && msg.Text() == "" {
		_ = s.store.SetVariantText(g.threadID, g.messageID, g.variantID, CancelledText)
	}
	g.log.Info("generation cancelled")
	return OutcomeCancelled, nil
}

// Cancel stops every in-flight generation in the thread. It reports whether
// anything was running.
func (s *ChatService) Cancel(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epochs[threadID]++
	running := s.inflight[threadID]
	for _, cancel := range running {
		cancel()
	}
	return len(running) > 0
}

// Forget drops the cancellation state kept for a deleted thread.
func (s *ChatService) Forget(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.epochs, threadID)
}

// SwitchThread makes id the current thread. Generations still running in
// the previously current thread stop writing.
func (s *ChatService) SwitchThread(id string) error {
	prev := s.store.CurrentThreadID()
	if err := s.store.SetCurrentThreadID(id); err != nil {
		return err
	}
	if prev != "" && prev != id {
		s.Cancel(prev)
	}
	return nil
}

// Active reports whether the thread has a generation in flight.
func (s *ChatService) Active(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight[threadID]) > 0
}

func recordRegeneration(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RegenerationsTotal.WithLabelValues(result).Inc()
}
