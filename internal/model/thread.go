// Package model defines data structures for the chat engine.
package model

import (
	"time"
)

// Thread is a single conversation: an ordered list of messages.
type Thread struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`

	// UI state kept with the thread.
	Draft string `json:"draft,omitempty"`
	Busy  bool   `json:"busy,omitempty"`
}

// Clone returns a deep copy of the thread.
func (t Thread) Clone() Thread {
	msgs := make([]Message, len(t.Messages))
	for i := range t.Messages {
		msgs[i] = t.Messages[i].Clone()
	}
	t.Messages = msgs
	return t
}

// MessageIndex returns the position of the message with the given id, or -1.
func (t *Thread) MessageIndex(id int64) int {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ThreadSummary is the listing view of a thread.
type ThreadSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	Busy          bool      `json:"busy,omitempty"`
}

// Summary returns the listing view of the thread.
func (t *Thread) Summary() ThreadSummary {
	return ThreadSummary{
		ID:            t.ID,
		Title:         t.Title,
		MessageCount:  len(t.Messages),
		CreatedAt:     t.CreatedAt,
		LastMessageAt: t.LastMessageAt,
		Busy:          t.Busy,
	}
}

// CreateThreadRequest is the request to create a new thread.
type CreateThreadRequest struct {
	Title string `json:"title"`
}

// UpdateThreadRequest is the request to rename a thread.
type UpdateThreadRequest struct {
	Title string `json:"title"`
}

// DraftRequest stores pending input for a thread.
type DraftRequest struct {
	Draft string `json:"draft"`
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads   []ThreadSummary `json:"threads"`
	Total     int             `json:"total"`
	HasMore   bool            `json:"has_more"`
	CurrentID string          `json:"current_id,omitempty"`
}
