package service

import (
	"context"
	"io"
	"sync"

	"github.com/spadaval/graphchat-sub000/internal/llm"
	"github.com/spadaval/graphchat-sub000/internal/model"
)

// fakeClient is a scripted llm.Client.
type fakeClient struct {
	mu sync.Mutex

	// streaming behaviour
	chunks    []string
	noDone    bool  // end with io.EOF instead of a Done chunk
	recvErr   error // returned after the chunks
	hang      bool  // block after the chunks until the stream is closed
	openErr   error
	stallOpen bool // block in CompleteStreaming until ctx is done

	// single-shot behaviour
	once    string
	onceErr error

	streamCalls int
	onceCalls   int
	histories   [][]llm.ChatMessage
	params      []model.Parameters
	streams     []*fakeStream
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) record(history []llm.ChatMessage, p model.Parameters) {
	c.histories = append(c.histories, append([]llm.ChatMessage(nil), history...))
	c.params = append(c.params, p)
}

func (c *fakeClient) CompleteOnce(ctx context.Context, history []llm.ChatMessage, p model.Parameters) (string, error) {
	c.mu.Lock()
	c.onceCalls++
	c.record(history, p)
	text, err := c.once, c.onceErr
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, err
}

func (c *fakeClient) CompleteStreaming(ctx context.Context, history []llm.ChatMessage, p model.Parameters) (llm.ChunkStream, error) {
	c.mu.Lock()
	c.streamCalls++
	c.record(history, p)
	stall, openErr := c.stallOpen, c.openErr
	st := &fakeStream{
		chunks:  append([]string(nil), c.chunks...),
		noDone:  c.noDone,
		recvErr: c.recvErr,
		hang:    c.hang,
		closed:  make(chan struct{}),
	}
	c.streams = append(c.streams, st)
	c.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if openErr != nil {
		return nil, openErr
	}
	return st, nil
}

func (c *fakeClient) calls() (stream, once int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamCalls, c.onceCalls
}

func (c *fakeClient) lastHistory() []llm.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.histories) == 0 {
		return nil
	}
	return c.histories[len(c.histories)-1]
}

type fakeStream struct {
	mu       sync.Mutex
	chunks   []string
	noDone   bool
	recvErr  error
	hang     bool
	finished bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeStream) Recv() (llm.StreamChunk, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return llm.StreamChunk{}, io.EOF
	}
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return llm.StreamChunk{Content: c}, nil
	}
	s.finished = true
	hang, recvErr, noDone := s.hang, s.recvErr, s.noDone
	s.mu.Unlock()

	switch {
	case hang:
		<-s.closed
		return llm.StreamChunk{}, io.ErrClosedPipe
	case recvErr != nil:
		return llm.StreamChunk{}, recvErr
	case noDone:
		return llm.StreamChunk{}, io.EOF
	default:
		return llm.StreamChunk{Done: true}, nil
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
