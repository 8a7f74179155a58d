package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spadaval/graphchat-sub000/internal/model"
)

func newTestLlama(t *testing.T, h http.HandlerFunc) *LlamaClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewLlamaClient(Config{BaseURL: srv.URL + "/", Model: "local", RetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)
	return c
}

var testHistory = []ChatMessage{{Role: "user", Content: "hi"}}

func TestNewLlamaClientRequiresBaseURL(t *testing.T) {
	_, err := NewLlamaClient(Config{}, nil)
	assert.Error(t, err)
}

func TestLlamaCompleteOnce(t *testing.T) {
	var got chatRequest
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chatCompletionsPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	})

	p := model.Parameters{Temperature: 0.5, MaxTokens: 32, Seed: 7, Mirostat: model.MirostatV2, MirostatTau: 4, MirostatEta: 0.2}
	text, err := c.CompleteOnce(context.Background(), testHistory, p)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	assert.Equal(t, "local", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, testHistory, got.Messages)
	assert.Equal(t, 32, got.NPredict)
	assert.Equal(t, 7, got.Seed)
	assert.Equal(t, 2, got.Mirostat)
	require.NotNil(t, got.MirostatTau)
	assert.Equal(t, 4.0, *got.MirostatTau)
}

func TestLlamaCompleteOnceEmptyContent(t *testing.T) {
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	text, err := c.CompleteOnce(context.Background(), testHistory, model.Parameters{})
	require.NoError(t, err)
	assert.Equal(t, FallbackResponse, text)
}

func TestLlamaCompleteOnceErrorPayload(t *testing.T) {
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"model not loaded"}}`)
	})

	_, err := c.CompleteOnce(context.Background(), testHistory, model.Parameters{})
	require.Error(t, err)
	assert.Equal(t, KindAPI, KindOf(err))
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestLlamaCompleteOnceStatus(t *testing.T) {
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad prompt"}`)
	})

	_, err := c.CompleteOnce(context.Background(), testHistory, model.Parameters{})
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindAPI, ce.Kind)
	assert.Equal(t, http.StatusBadRequest, ce.StatusCode)
	assert.Equal(t, "bad prompt", ce.Message)
}

func TestLlamaCompleteOnceRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"second try"}}]}`)
	}))
	defer srv.Close()

	c, err := NewLlamaClient(Config{BaseURL: srv.URL, Retries: 2, RetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	text, err := c.CompleteOnce(context.Background(), testHistory, model.Parameters{})
	require.NoError(t, err)
	assert.Equal(t, "second try", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLlamaCompleteOnceNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewLlamaClient(Config{BaseURL: url}, nil)
	require.NoError(t, err)

	_, err = c.CompleteOnce(context.Background(), testHistory, model.Parameters{})
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestLlamaCompleteStreaming(t *testing.T) {
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"str", "eam"} {
			fmt.Fprint(w, frame(tok))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	st, err := c.CompleteStreaming(context.Background(), testHistory, model.Parameters{})
	require.NoError(t, err)
	defer st.Close()

	chunks, err := collect(t, st)
	require.NoError(t, err)
	assert.Equal(t, []string{"str", "eam"}, chunks)
}

func TestLlamaCompleteStreamingStatus(t *testing.T) {
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.CompleteStreaming(context.Background(), testHistory, model.Parameters{})
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusInternalServerError, ce.StatusCode)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), ce.Message)
}

func TestLlamaStreamingCancelled(t *testing.T) {
	release := make(chan struct{})
	c := newTestLlama(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frame("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := c.CompleteStreaming(ctx, testHistory, model.Parameters{})
	require.NoError(t, err)

	chunk, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", chunk.Content)

	cancel()
	_, err = st.Recv()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}
