package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicClient is the Anthropic completion client.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	logger *logger.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg Config, log *logger.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(streamHTTPClient()),
		option.WithMaxRetries(cfg.Retries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	name := cfg.Model
	if name == "" {
		name = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  name,
		logger: log,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

func (c *AnthropicClient) buildParams(history []ChatMessage, p model.Parameters) anthropic.MessageNewParams {
	name := p.Model
	if name == "" {
		name = c.model
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	// The Messages API takes no system role inside the list; system
	// context is folded into the next user turn.
	var system []string
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		if msg.Role == string(model.RoleSystem) {
			system = append(system, msg.Content)
			continue
		}
		text := msg.Content
		if len(system) > 0 && msg.Role == string(model.RoleUser) {
			text = strings.Join(append(system, text), "\n\n")
			system = nil
		}
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(text),
				},
			}),
		})
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(name),
		MaxTokens:   anthropic.F(int64(maxTokens)),
		Messages:    anthropic.F(messages),
		Temperature: anthropic.F(p.Temperature),
		TopP:        anthropic.F(p.TopP),
	}
	if p.TopK > 0 {
		params.TopK = anthropic.F(int64(p.TopK))
	}
	if len(p.Stop) > 0 {
		params.StopSequences = anthropic.F(p.Stop)
	}
	return params
}

// CompleteOnce sends a completion request.
func (c *AnthropicClient) CompleteOnce(ctx context.Context, history []ChatMessage, params model.Parameters) (content string, err error) {
	defer func() { metrics.RecordCompletionCall(c.Name(), "once", err) }()

	resp, err := c.client.Messages.New(ctx, c.buildParams(history, params))
	if err != nil {
		return "", anthropicError(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			sb.WriteString(block.Text)
		}
	}

	if sb.Len() == 0 {
		c.logger.Warn("completion returned no content, using fallback text")
		return FallbackResponse, nil
	}
	return sb.String(), nil
}

// CompleteStreaming sends a streaming completion request.
func (c *AnthropicClient) CompleteStreaming(ctx context.Context, history []ChatMessage, params model.Parameters) (ChunkStream, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(history, params))
	if err := stream.Err(); err != nil {
		stream.Close()
		cerr := anthropicError(err)
		metrics.RecordCompletionCall(c.Name(), "stream", cerr)
		return nil, cerr
	}

	metrics.RecordCompletionCall(c.Name(), "stream", nil)
	return &anthropicStream{stream: stream}, nil
}

// anthropicStream adapts the SDK's event stream to ChunkStream.
type anthropicStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEvent]
	finished bool
}

func (s *anthropicStream) Recv() (StreamChunk, error) {
	for {
		if s.finished {
			return StreamChunk{}, io.EOF
		}

		if !s.stream.Next() {
			s.finished = true
			err := s.stream.Err()
			s.stream.Close()
			if err != nil {
				return StreamChunk{}, anthropicError(err)
			}
			return StreamChunk{Done: true}, nil
		}

		event := s.stream.Current()
		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return StreamChunk{Content: event.Delta.Text}, nil
			}
		case anthropic.MessageStreamEventTypeMessageStop:
			s.finished = true
			s.stream.Close()
			return StreamChunk{Done: true}, nil
		}
	}
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// anthropicError maps SDK errors to CallError.
func anthropicError(err error) *CallError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &CallError{Kind: KindAPI, StatusCode: apiErr.StatusCode, Err: err}
	}
	return transportError(err)
}
