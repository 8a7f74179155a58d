package model

// EventKind identifies a store mutation.
type EventKind string

const (
	EventThreadCreated    EventKind = "thread_created"
	EventThreadUpdated    EventKind = "thread_updated"
	EventThreadDeleted    EventKind = "thread_deleted"
	EventCurrentChanged   EventKind = "current_changed"
	EventMessageAppended  EventKind = "message_appended"
	EventMessageDeleted   EventKind = "message_deleted"
	EventVariantAppended  EventKind = "variant_text_appended"
	EventVariantReplaced  EventKind = "variant_text_replaced"
	EventVariantAdded     EventKind = "variant_added"
	EventVariantSelected  EventKind = "variant_selected"
	EventGenerationChange EventKind = "generation_changed"
)

// Event describes a single committed store mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	ThreadID  string    `json:"thread_id"`
	MessageID int64     `json:"message_id,omitempty"`
	VariantID string    `json:"variant_id,omitempty"`

	// Delta is the appended text for EventVariantAppended and the full
	// text for EventVariantReplaced.
	Delta string `json:"delta,omitempty"`

	// Generating mirrors Message.IsGenerating for EventGenerationChange.
	Generating bool `json:"generating,omitempty"`

	Version uint64 `json:"version"`
}
