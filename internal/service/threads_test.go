package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

func newThreadService(t *testing.T) (*ThreadService, *harness) {
	h := newHarness(t, &fakeClient{chunks: []string{"ok"}})
	return NewThreadService(h.store, h.chat, logger.NewNop()), h
}

func TestThreadServiceCreateAndList(t *testing.T) {
	svc, h := newThreadService(t)

	a, err := svc.Create(&model.CreateThreadRequest{Title: "  "})
	require.NoError(t, err)
	assert.Equal(t, DefaultThreadTitle, a.Title)

	b, err := svc.Create(&model.CreateThreadRequest{Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, b.ID, h.store.CurrentThreadID())

	page := svc.List(1, 0)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.HasMore)
	assert.Len(t, page.Threads, 1)
	assert.Equal(t, b.ID, page.CurrentID)

	page = svc.List(10, 5)
	assert.Empty(t, page.Threads)
	assert.False(t, page.HasMore)
}

func TestThreadServiceRenameAndDelete(t *testing.T) {
	svc, h := newThreadService(t)
	thread, err := svc.Create(&model.CreateThreadRequest{Title: "old"})
	require.NoError(t, err)

	renamed, err := svc.Rename(thread.ID, &model.UpdateThreadRequest{Title: "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Title)

	require.NoError(t, svc.Delete(thread.ID))
	_, err = svc.Get(thread.ID)
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
	assert.Empty(t, h.store.CurrentThreadID())
	assert.ErrorIs(t, svc.Delete(thread.ID), store.ErrThreadNotFound)

	h.chat.mu.Lock()
	_, kept := h.chat.epochs[thread.ID]
	h.chat.mu.Unlock()
	assert.False(t, kept, "deleted thread keeps no cancellation state")
}

func TestThreadServiceMessages(t *testing.T) {
	svc, h := newThreadService(t)
	ex := h.send(t, "hello")

	resp, err := svc.Messages(ex.ThreadID)
	require.NoError(t, err)
	assert.Len(t, resp.Messages, 2)
	assert.False(t, resp.StreamActive)

	require.NoError(t, svc.DeleteMessage(ex.ThreadID, ex.UserMessage.ID))
	resp, _ = svc.Messages(ex.ThreadID)
	assert.Len(t, resp.Messages, 1)

	_, err = svc.Messages("missing")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestThreadServiceDraftAndSelect(t *testing.T) {
	svc, h := newThreadService(t)
	a, _ := svc.Create(&model.CreateThreadRequest{Title: "a"})
	_, _ = svc.Create(&model.CreateThreadRequest{Title: "b"})

	require.NoError(t, svc.Select(a.ID))
	assert.Equal(t, a.ID, h.store.CurrentThreadID())
	assert.ErrorIs(t, svc.Select("missing"), store.ErrThreadNotFound)

	require.NoError(t, svc.SetDraft(a.ID, &model.DraftRequest{Draft: "wip"}))
	got, _ := svc.Get(a.ID)
	assert.Equal(t, "wip", got.Draft)
}
