package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

// defaultOpenAIModel is used when no model is configured.
const defaultOpenAIModel = "gpt-4o"

// OpenAIClient talks to OpenAI or any OpenAI-compatible server through go-openai.
type OpenAIClient struct {
	client       *openai.Client
	streamClient *openai.Client
	model        string
	logger       *logger.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty API key is allowed
// for local servers that do not check it.
func NewOpenAIClient(cfg Config, log *logger.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("OpenAI API key or base URL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	onceCfg := openAIConfig(cfg)
	onceCfg.HTTPClient = onceHTTPClient(cfg, log)
	streamCfg := openAIConfig(cfg)
	streamCfg.HTTPClient = streamHTTPClient()

	name := cfg.Model
	if name == "" {
		name = defaultOpenAIModel
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(onceCfg),
		streamClient: openai.NewClientWithConfig(streamCfg),
		model:        name,
		logger:       log,
	}, nil
}

func openAIConfig(cfg Config) openai.ClientConfig {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		c.BaseURL = base
	}
	return c
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return string(ProviderOpenAI)
}

func (c *OpenAIClient) buildRequest(history []ChatMessage, p model.Parameters, stream bool) openai.ChatCompletionRequest {
	name := p.Model
	if name == "" {
		name = c.model
	}

	messages := make([]openai.ChatCompletionMessage, len(history))
	for i, msg := range history {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:            name,
		Messages:         messages,
		MaxTokens:        p.MaxTokens,
		Temperature:      float32(p.Temperature),
		TopP:             float32(p.TopP),
		PresencePenalty:  float32(p.PresencePenalty),
		FrequencyPenalty: float32(p.FrequencyPenalty),
		Stop:             p.Stop,
		Stream:           stream,
	}
	if p.Seed >= 0 {
		seed := p.Seed
		req.Seed = &seed
	}
	return req
}

// CompleteOnce sends a completion request.
func (c *OpenAIClient) CompleteOnce(ctx context.Context, history []ChatMessage, params model.Parameters) (content string, err error) {
	defer func() { metrics.RecordCompletionCall(c.Name(), "once", err) }()

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(history, params, false))
	if err != nil {
		return "", openAIError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("completion returned no content, using fallback text")
		return FallbackResponse, nil
	}

	return resp.Choices[0].Message.Content, nil
}

// CompleteStreaming sends a streaming completion request.
func (c *OpenAIClient) CompleteStreaming(ctx context.Context, history []ChatMessage, params model.Parameters) (ChunkStream, error) {
	stream, err := c.streamClient.CreateChatCompletionStream(ctx, c.buildRequest(history, params, true))
	if err != nil {
		cerr := openAIError(err)
		metrics.RecordCompletionCall(c.Name(), "stream", cerr)
		return nil, cerr
	}

	metrics.RecordCompletionCall(c.Name(), "stream", nil)
	return &openAIStream{stream: stream}, nil
}

// openAIStream adapts go-openai's stream to ChunkStream.
type openAIStream struct {
	stream   *openai.ChatCompletionStream
	finished bool
}

func (s *openAIStream) Recv() (StreamChunk, error) {
	for {
		if s.finished {
			return StreamChunk{}, io.EOF
		}

		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			return StreamChunk{Done: true}, nil
		}
		if err != nil {
			s.finish()
			return StreamChunk{}, openAIError(err)
		}

		if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
			return StreamChunk{Content: response.Choices[0].Delta.Content}, nil
		}
	}
}

func (s *openAIStream) finish() {
	s.finished = true
	s.stream.Close()
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

// openAIError maps go-openai errors to CallError.
func openAIError(err error) *CallError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &CallError{Kind: KindAPI, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &CallError{Kind: KindAPI, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return transportError(err)
}
