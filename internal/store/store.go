// Package store keeps threads, messages and variants in memory and notifies
// subscribers of every committed change.
package store

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrVariantNotFound = errors.New("variant not found")
)

// Store holds threads as immutable snapshots. Every mutation copies the
// affected thread, edits the copy and swaps it in under the lock, so readers
// never observe a half-applied change.
type Store struct {
	mu      sync.Mutex
	threads map[string]*model.Thread
	current string
	version uint64

	subs    map[int]chan model.Event
	nextSub int
	dropped atomic.Uint64

	ids    IDGenerator
	now    func() time.Time
	logger *logger.Logger

	persister Persister
	dirty     chan struct{}
	stop      chan struct{}
	saverDone chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPersister enables asynchronous snapshot saves.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		threads: make(map[string]*model.Thread),
		subs:    make(map[int]chan model.Event),
		ids:     NewUUIDGenerator(),
		now:     time.Now,
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.persister != nil {
		s.dirty = make(chan struct{}, 1)
		s.stop = make(chan struct{})
		s.saverDone = make(chan struct{})
		go s.saveLoop()
	}
	return s
}

// Version returns the number of committed mutations.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Dropped returns how many events were dropped for slow subscribers.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// CreateThread creates an empty thread.
func (s *Store) CreateThread(title string) model.Thread {
	now := s.now()
	t := &model.Thread{
		ID:            s.ids.ThreadID(),
		Title:         title,
		Messages:      []model.Message{},
		CreatedAt:     now,
		LastMessageAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = t
	s.commit(model.Event{Kind: model.EventThreadCreated, ThreadID: t.ID})
	return t.Clone()
}

// DeleteThread removes a thread and all of its messages.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[id]; !ok {
		return ErrThreadNotFound
	}
	delete(s.threads, id)
	s.commit(model.Event{Kind: model.EventThreadDeleted, ThreadID: id})

	if s.current == id {
		s.current = ""
		s.commit(model.Event{Kind: model.EventCurrentChanged})
	}
	return nil
}

// Thread returns a copy of the thread.
func (s *Store) Thread(id string) (model.Thread, error) {
	s.mu.Lock()
	t, ok := s.threads[id]
	s.mu.Unlock()

	if !ok {
		return model.Thread{}, ErrThreadNotFound
	}
	// Snapshots are never modified once published.
	return t.Clone(), nil
}

// ListThreads returns thread summaries, most recent activity first.
func (s *Store) ListThreads() []model.ThreadSummary {
	s.mu.Lock()
	out := make([]model.ThreadSummary, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.Summary())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CurrentThreadID returns the selected thread, or "".
func (s *Store) CurrentThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrentThreadID selects a thread. An empty id clears the selection.
func (s *Store) SetCurrentThreadID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, ok := s.threads[id]; !ok {
			return ErrThreadNotFound
		}
	}
	if s.current == id {
		return nil
	}
	s.current = id
	s.commit(model.Event{Kind: model.EventCurrentChanged, ThreadID: id})
	return nil
}

// RenameThread sets the thread title.
func (s *Store) RenameThread(id, title string) error {
	return s.mutateThread(id, func(t *model.Thread) (model.Event, error) {
		t.Title = title
		return model.Event{Kind: model.EventThreadUpdated}, nil
	})
}

// SetDraft stores pending input for the thread.
func (s *Store) SetDraft(id, draft string) error {
	return s.mutateThread(id, func(t *model.Thread) (model.Event, error) {
		t.Draft = draft
		return model.Event{Kind: model.EventThreadUpdated}, nil
	})
}

// SetBusy sets the thread's typing indicator.
func (s *Store) SetBusy(id string, busy bool) error {
	return s.mutateThread(id, func(t *model.Thread) (model.Event, error) {
		t.Busy = busy
		return model.Event{Kind: model.EventThreadUpdated}, nil
	})
}

// AppendMessage appends a message with a single variant holding text.
func (s *Store) AppendMessage(threadID string, role model.Role, text string, generating bool) (model.Message, error) {
	now := s.now()
	variantID := s.ids.VariantID()
	msg := model.Message{
		ID:               s.ids.MessageID(),
		Role:             role,
		CurrentVariantID: variantID,
		Variants:         []model.Variant{{ID: variantID, Text: text, CreatedAt: now}},
		IsGenerating:     generating,
		CreatedAt:        now,
	}

	err := s.mutateThread(threadID, func(t *model.Thread) (model.Event, error) {
		t.Messages = append(t.Messages, msg)
		t.LastMessageAt = now
		return model.Event{
			Kind:       model.EventMessageAppended,
			MessageID:  msg.ID,
			VariantID:  variantID,
			Delta:      text,
			Generating: generating,
		}, nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg.Clone(), nil
}

// DeleteMessage removes a message from its thread.
func (s *Store) DeleteMessage(threadID string, msgID int64) error {
	return s.mutateThread(threadID, func(t *model.Thread) (model.Event, error) {
		i := t.MessageIndex(msgID)
		if i < 0 {
			return model.Event{}, ErrMessageNotFound
		}
		t.Messages = append(t.Messages[:i:i], t.Messages[i+1:]...)
		return model.Event{Kind: model.EventMessageDeleted, MessageID: msgID}, nil
	})
}

// Message returns a copy of a single message.
func (s *Store) Message(threadID string, msgID int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return model.Message{}, ErrThreadNotFound
	}
	i := t.MessageIndex(msgID)
	if i < 0 {
		return model.Message{}, ErrMessageNotFound
	}
	return t.Messages[i].Clone(), nil
}

// AppendVariantText appends delta to a variant's text.
func (s *Store) AppendVariantText(threadID string, msgID int64, variantID, delta string) error {
	return s.mutateMessage(threadID, msgID, func(m *model.Message) (model.Event, error) {
		v := variant(m, variantID)
		if v == nil {
			return model.Event{}, ErrVariantNotFound
		}
		v.Text += delta
		return model.Event{Kind: model.EventVariantAppended, VariantID: variantID, Delta: delta}, nil
	})
}

// SetVariantText replaces a variant's text.
func (s *Store) SetVariantText(threadID string, msgID int64, variantID, text string) error {
	return s.mutateMessage(threadID, msgID, func(m *model.Message) (model.Event, error) {
		v := variant(m, variantID)
		if v == nil {
			return model.Event{}, ErrVariantNotFound
		}
		v.Text = text
		return model.Event{Kind: model.EventVariantReplaced, VariantID: variantID, Delta: text}, nil
	})
}

// AddVariant appends a new variant to a message, optionally selecting it.
func (s *Store) AddVariant(threadID string, msgID int64, text string, makeCurrent bool) (model.Variant, error) {
	v := model.Variant{ID: s.ids.VariantID(), Text: text, CreatedAt: s.now()}

	err := s.mutateMessage(threadID, msgID, func(m *model.Message) (model.Event, error) {
		m.Variants = append(m.Variants, v)
		if makeCurrent {
			m.CurrentVariantID = v.ID
		}
		return model.Event{Kind: model.EventVariantAdded, VariantID: v.ID, Delta: text}, nil
	})
	if err != nil {
		return model.Variant{}, err
	}
	return v, nil
}

// SetCurrentVariant selects which variant of a message is shown.
func (s *Store) SetCurrentVariant(threadID string, msgID int64, variantID string) error {
	return s.mutateMessage(threadID, msgID, func(m *model.Message) (model.Event, error) {
		if variant(m, variantID) == nil {
			return model.Event{}, ErrVariantNotFound
		}
		m.CurrentVariantID = variantID
		return model.Event{Kind: model.EventVariantSelected, VariantID: variantID}, nil
	})
}

// SetGenerating sets the message's generating flag.
func (s *Store) SetGenerating(threadID string, msgID int64, generating bool) error {
	return s.mutateMessage(threadID, msgID, func(m *model.Message) (model.Event, error) {
		m.IsGenerating = generating
		return model.Event{
			Kind:       model.EventGenerationChange,
			VariantID:  m.CurrentVariantID,
			Generating: generating,
		}, nil
	})
}

func variant(m *model.Message, id string) *model.Variant {
	for i := range m.Variants {
		if m.Variants[i].ID == id {
			return &m.Variants[i]
		}
	}
	return nil
}

// mutateThread applies fn to a copy of the thread and publishes the copy
// when fn succeeds.
func (s *Store) mutateThread(id string, fn func(t *model.Thread) (model.Event, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.threads[id]
	if !ok {
		return ErrThreadNotFound
	}

	// Messages other than the one being edited are shared with the old
	// snapshot; mutateMessage deep-copies the one it touches.
	next := *old
	next.Messages = append([]model.Message(nil), old.Messages...)

	ev, err := fn(&next)
	if err != nil {
		return err
	}

	s.threads[id] = &next
	ev.ThreadID = id
	s.commit(ev)
	return nil
}

func (s *Store) mutateMessage(threadID string, msgID int64, fn func(m *model.Message) (model.Event, error)) error {
	return s.mutateThread(threadID, func(t *model.Thread) (model.Event, error) {
		i := t.MessageIndex(msgID)
		if i < 0 {
			return model.Event{}, ErrMessageNotFound
		}
		t.Messages[i] = t.Messages[i].Clone()

		ev, err := fn(&t.Messages[i])
		if err != nil {
			return ev, err
		}
		ev.MessageID = msgID
		return ev, nil
	})
}

// commit bumps the version, fans the event out and schedules a save.
// Callers hold s.mu.
func (s *Store) commit(ev model.Event) {
	s.version++
	ev.Version = s.version

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
			metrics.StoreEventsDropped.Inc()
			s.logger.Debug("dropped store event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("kind", string(ev.Kind)),
			)
		}
	}

	if s.dirty != nil {
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers for change events. Events are delivered in commit
// order; when the buffer is full new events are dropped for this subscriber.
// The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan model.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
