// Package llm provides the completion client used by the chat engine and its
// backends: a llama.cpp-style HTTP server, OpenAI-compatible APIs and Anthropic.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// FallbackResponse is returned by CompleteOnce when the server answered but
// produced no content, so an assistant message is never left blank.
const FallbackResponse = "Sorry, I couldn't generate a response."

// ChatMessage is one entry of the prompt history in wire shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one incremental piece of streamed output. The final chunk
// of a stream has Done set and no content.
type StreamChunk struct {
	Content string
	Done    bool
}

// ChunkStream is a lazily consumed, non-restartable chunk sequence.
//
// Recv returns the next chunk. After a Done chunk or an error the sequence is
// over and Recv returns io.EOF. Close releases the underlying connection and
// may be called at any time, more than once.
type ChunkStream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Client is the interface for completion backends.
type Client interface {
	// CompleteOnce sends a non-streaming completion request and returns the
	// text of the first choice.
	CompleteOnce(ctx context.Context, history []ChatMessage, params model.Parameters) (string, error)

	// CompleteStreaming sends a streaming completion request.
	CompleteStreaming(ctx context.Context, history []ChatMessage, params model.Parameters) (ChunkStream, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of completion backend.
type Provider string

const (
	ProviderLlama     Provider = "llama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Config holds backend connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	// RequestTimeout bounds single-shot calls. Streaming calls are bounded
	// by the caller's watchdog instead.
	RequestTimeout time.Duration

	// Retries applies to single-shot calls only.
	Retries    int
	RetryDelay time.Duration
}

// NewClient creates a completion client for the given provider.
func NewClient(provider Provider, cfg Config, log *logger.Logger) (Client, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("llm")

	var (
		client Client
		err    error
	)
	switch provider {
	case ProviderLlama, "":
		client, err = NewLlamaClient(cfg, log)
	case ProviderOpenAI:
		client, err = NewOpenAIClient(cfg, log)
	case ProviderAnthropic:
		client, err = NewAnthropicClient(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// onceHTTPClient builds the HTTP client for single-shot calls.
func onceHTTPClient(cfg Config, log *logger.Logger) *http.Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &RetryTransport{
			Config: RetryConfig{
				MaxRetries: cfg.Retries,
				RetryCodes: []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
				RetryDelay: cfg.RetryDelay,
			},
			RoundTripper: http.DefaultTransport,
			logger:       log,
		},
	}
}

// streamHTTPClient builds the HTTP client for streaming calls. It has no
// overall timeout; a long generation is a healthy stream.
func streamHTTPClient() *http.Client {
	return &http.Client{Transport: http.DefaultTransport}
}

// HistoryFromMessages converts store messages to wire shape using the text
// of each message's current variant.
func HistoryFromMessages(msgs []model.Message) []ChatMessage {
	history := make([]ChatMessage, 0, len(msgs))
	for i := range msgs {
		history = append(history, ChatMessage{
			Role:    string(msgs[i].Role),
			Content: msgs[i].Text(),
		})
	}
	return history
}
