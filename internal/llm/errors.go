package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies completion failures.
type Kind string

const (
	// KindNetwork is a transport failure: unreachable host, DNS, dropped connection.
	KindNetwork Kind = "network"
	// KindAPI is a non-2xx status, an error payload or an undecodable body.
	KindAPI Kind = "api"
	// KindParsing is a malformed stream frame. Frames are skipped, so this
	// kind is only reported through logs and metrics.
	KindParsing Kind = "parsing"
	// KindTimeout is an elapsed deadline.
	KindTimeout Kind = "timeout"
)

// CallError is returned by every Client operation that fails.
type CallError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s error (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a CallError anywhere in err's chain, or "".
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// transportError classifies an error from an HTTP round trip.
func transportError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: KindTimeout, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &CallError{Kind: KindTimeout, Err: err}
	}
	return &CallError{Kind: KindNetwork, Err: err}
}
