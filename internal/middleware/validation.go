package middleware

import (
	"errors"
	"strconv"
	"unicode/utf8"
)

// MaxContentLength bounds message text in bytes.
const MaxContentLength = 100000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateThreadID validates a thread ID. IDs are UUIDs in production but
// any short token of letters, digits and dashes is accepted.
func ValidateThreadID(id string) error {
	if id == "" || len(id) > 64 {
		return errors.New("invalid thread ID format")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return errors.New("invalid thread ID format")
		}
	}
	return nil
}

// ParseMessageID parses a message ID path parameter.
func ParseMessageID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid message ID format")
	}
	return id, nil
}

// ValidateTitle validates a thread title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateDocumentIDs validates referenced document IDs.
func ValidateDocumentIDs(ids []string) error {
	if len(ids) > 32 {
		return errors.New("too many documents referenced")
	}
	for _, id := range ids {
		if id == "" || len(id) > 128 {
			return errors.New("invalid document ID")
		}
	}
	return nil
}
