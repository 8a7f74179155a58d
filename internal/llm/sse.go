package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

const (
	readBufferSize = 4096

	// maxFrameSize bounds a single unterminated line.
	maxFrameSize = 1 << 20
)

var (
	dataPrefix  = []byte("data:")
	donePayload = []byte("[DONE]")
)

// sseStream decodes `data: <payload>` lines from a chat completion body.
// A line is only decoded once its terminating newline has arrived; the
// unterminated tail of a read waits for the next read.
type sseStream struct {
	body    io.ReadCloser
	logger  *logger.Logger
	readBuf []byte
	pending []byte

	eof      bool
	finished bool

	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser, log *logger.Logger) *sseStream {
	return &sseStream{
		body:    body,
		logger:  log,
		readBuf: make([]byte, readBufferSize),
	}
}

// Recv returns the next content or done chunk.
func (s *sseStream) Recv() (StreamChunk, error) {
	for {
		if s.finished {
			return StreamChunk{}, io.EOF
		}

		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := s.pending[:i]
			s.pending = s.pending[i+1:]
			if chunk, ok, err := s.decodeLine(line); err != nil || ok {
				return s.emit(chunk, err)
			}
			continue
		}

		if s.eof {
			if len(s.pending) > 0 {
				line := s.pending
				s.pending = nil
				if chunk, ok, err := s.decodeLine(line); err != nil || ok {
					return s.emit(chunk, err)
				}
			}
			// The body ended without [DONE].
			return s.emit(StreamChunk{Done: true}, nil)
		}

		if len(s.pending) > maxFrameSize {
			return s.emit(StreamChunk{}, &CallError{Kind: KindAPI, Message: "stream frame exceeds maximum size"})
		}

		n, err := s.body.Read(s.readBuf)
		if n > 0 {
			s.pending = append(s.pending, s.readBuf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
				continue
			}
			return s.emit(StreamChunk{}, transportError(err))
		}
	}
}

// emit finishes the stream on a terminal chunk or error.
func (s *sseStream) emit(chunk StreamChunk, err error) (StreamChunk, error) {
	if err != nil || chunk.Done {
		s.finished = true
		s.Close()
	}
	return chunk, err
}

// decodeLine decodes one complete line. ok reports whether a chunk should be
// yielded; lines without content are skipped.
func (s *sseStream) decodeLine(line []byte) (StreamChunk, bool, error) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		// Blank separators, comments and other SSE fields.
		return StreamChunk{}, false, nil
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, donePayload) {
		return StreamChunk{Done: true}, true, nil
	}
	if len(payload) == 0 {
		return StreamChunk{}, false, nil
	}

	var frame chatResponse
	if err := json.Unmarshal(payload, &frame); err != nil {
		metrics.MalformedFramesTotal.Inc()
		logFrameWarning(s.logger, payload, err)
		return StreamChunk{}, false, nil
	}
	if msg, ok := frame.errorMessage(); ok {
		return StreamChunk{}, false, &CallError{Kind: KindAPI, Message: msg}
	}

	if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
		return StreamChunk{}, false, nil
	}
	return StreamChunk{Content: frame.Choices[0].Delta.Content}, true, nil
}

// Close releases the response body.
func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
