package model

import (
	"time"
)

// CancelledText fills an assistant response that stopped before producing
// any output.
const CancelledText = "Response cancelled."

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Variant is one rendering of a message. Edits and regenerations add
// variants instead of rewriting history.
type Variant struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Message represents one turn in a thread.
type Message struct {
	// Identity
	ID   int64 `json:"id"`
	Role Role  `json:"role"`

	// Variants are append-only; CurrentVariantID always names one of them.
	CurrentVariantID string    `json:"current_variant_id"`
	Variants         []Variant `json:"variants"`

	IsGenerating bool      `json:"is_generating"`
	CreatedAt    time.Time `json:"created_at"`
}

// CurrentIndex returns the position of the current variant, or -1.
func (m *Message) CurrentIndex() int {
	for i := range m.Variants {
		if m.Variants[i].ID == m.CurrentVariantID {
			return i
		}
	}
	return -1
}

// Current returns the current variant.
func (m *Message) Current() *Variant {
	if i := m.CurrentIndex(); i >= 0 {
		return &m.Variants[i]
	}
	return nil
}

// Text returns the text of the current variant.
func (m *Message) Text() string {
	if v := m.Current(); v != nil {
		return v.Text
	}
	return ""
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Variants = append([]Variant(nil), m.Variants...)
	return m
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content     string   `json:"content"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// EditMessageRequest is the request to add an edited variant to a user message.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	ThreadID     string    `json:"thread_id"`
	Messages     []Message `json:"messages"`
	StreamActive bool      `json:"stream_active"`
}

// TokenEvent represents a streamed chunk appended to a variant.
type TokenEvent struct {
	MessageID int64  `json:"message_id"`
	VariantID string `json:"variant_id"`
	Token     string `json:"token"`
	Index     int    `json:"index"`
}

// ReplaceEvent is sent when a variant's text was overwritten wholesale.
type ReplaceEvent struct {
	MessageID int64  `json:"message_id"`
	VariantID string `json:"variant_id"`
	Text      string `json:"text"`
}

// MessageCompleteEvent represents a message completion event.
type MessageCompleteEvent struct {
	Message Message `json:"message"`
	Outcome string  `json:"outcome"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
