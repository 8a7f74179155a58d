package service

import (
	"strings"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// DefaultThreadTitle names threads created without a title.
const DefaultThreadTitle = "New chat"

// ThreadService handles thread operations.
type ThreadService struct {
	store  *store.Store
	chat   *ChatService
	logger *logger.Logger
}

// NewThreadService creates a new thread service.
func NewThreadService(st *store.Store, chat *ChatService, log *logger.Logger) *ThreadService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ThreadService{store: st, chat: chat, logger: log}
}

// Create creates a new thread and makes it current.
func (s *ThreadService) Create(req *model.CreateThreadRequest) (model.Thread, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultThreadTitle
	}

	thread := s.store.CreateThread(title)
	if err := s.chat.SwitchThread(thread.ID); err != nil {
		return model.Thread{}, err
	}

	s.logger.Info("thread created", zap.String("thread_id", thread.ID))
	return thread, nil
}

// Get retrieves a thread by ID.
func (s *ThreadService) Get(id string) (model.Thread, error) {
	return s.store.Thread(id)
}

// List returns a page of thread summaries, most recent first.
func (s *ThreadService) List(limit, offset int) *model.ListThreadsResponse {
	threads := s.store.ListThreads()

	total := len(threads)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.ListThreadsResponse{
		Threads:   threads[start:end],
		Total:     total,
		HasMore:   end < total,
		CurrentID: s.store.CurrentThreadID(),
	}
}

// Rename updates a thread's title.
func (s *ThreadService) Rename(id string, req *model.UpdateThreadRequest) (model.Thread, error) {
	if err := s.store.RenameThread(id, strings.TrimSpace(req.Title)); err != nil {
		return model.Thread{}, err
	}
	return s.store.Thread(id)
}

// Delete removes a thread with its messages. Generations still running in
// it are cancelled first.
func (s *ThreadService) Delete(id string) error {
	s.chat.Cancel(id)
	defer s.chat.Forget(id)
	if err := s.store.DeleteThread(id); err != nil {
		return err
	}
	s.logger.Info("thread deleted", zap.String("thread_id", id))
	return nil
}

// Select makes the thread current.
func (s *ThreadService) Select(id string) error {
	return s.chat.SwitchThread(id)
}

// SetDraft stores the pending input of a thread.
func (s *ThreadService) SetDraft(id string, req *model.DraftRequest) error {
	return s.store.SetDraft(id, req.Draft)
}

// Messages lists the messages of a thread.
func (s *ThreadService) Messages(id string) (*model.ListMessagesResponse, error) {
	thread, err := s.store.Thread(id)
	if err != nil {
		return nil, err
	}
	return &model.ListMessagesResponse{
		ThreadID:     id,
		Messages:     thread.Messages,
		StreamActive: s.chat.Active(id),
	}, nil
}

// DeleteMessage removes a message. A response still being generated is
// cancelled along with the rest of the thread's in-flight work.
func (s *ThreadService) DeleteMessage(threadID string, messageID int64) error {
	msg, err := s.store.Message(threadID, messageID)
	if err != nil {
		return err
	}
	if msg.IsGenerating {
		s.chat.Cancel(threadID)
	}
	return s.store.DeleteMessage(threadID, messageID)
}
