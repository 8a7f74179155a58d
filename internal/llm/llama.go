package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/metrics"
)

const chatCompletionsPath = "/v1/chat/completions"

// LlamaClient talks to a llama.cpp-style server over its OpenAI-compatible
// chat completions endpoint, sending the server's extended sampling options.
type LlamaClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	streamHTTP *http.Client
	logger     *logger.Logger
}

// NewLlamaClient creates a new llama.cpp client.
func NewLlamaClient(cfg Config, log *logger.Logger) (*LlamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llama base URL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &LlamaClient{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + chatCompletionsPath,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: onceHTTPClient(cfg, log),
		streamHTTP: streamHTTPClient(),
		logger:     log,
	}, nil
}

// Name returns the provider name.
func (c *LlamaClient) Name() string {
	return string(ProviderLlama)
}

// chatRequest is the request body for the chat completions endpoint.
type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	Temperature      float64  `json:"temperature"`
	TopK             int      `json:"top_k,omitempty"`
	TopP             float64  `json:"top_p"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	NPredict         int      `json:"n_predict,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	RepeatPenalty    float64  `json:"repeat_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	Mirostat         int      `json:"mirostat,omitempty"`
	MirostatTau      *float64 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float64 `json:"mirostat_eta,omitempty"`
	Seed             int      `json:"seed"`
	NProbs           int      `json:"n_probs,omitempty"`
	CachePrompt      bool     `json:"cache_prompt"`
	ReturnTokens     bool     `json:"return_tokens,omitempty"`
}

// chatResponse covers both the single-shot body and streamed frames.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// errorMessage extracts error.message from an error payload. Servers send
// either an object or a bare string.
func (r *chatResponse) errorMessage() (string, bool) {
	if len(r.Error) == 0 || string(r.Error) == "null" {
		return "", false
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil && s != "" {
		return s, true
	}
	return string(r.Error), true
}

func (c *LlamaClient) buildRequest(history []ChatMessage, p model.Parameters, stream bool) chatRequest {
	name := p.Model
	if name == "" {
		name = c.model
	}

	req := chatRequest{
		Model:            name,
		Messages:         history,
		Stream:           stream,
		Temperature:      p.Temperature,
		TopK:             p.TopK,
		TopP:             p.TopP,
		MaxTokens:        p.MaxTokens,
		NPredict:         p.MaxTokens,
		Stop:             p.Stop,
		RepeatPenalty:    p.RepeatPenalty,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		Seed:             p.Seed,
		NProbs:           p.NProbs,
		CachePrompt:      p.CachePrompt,
		ReturnTokens:     p.ReturnTokens,
	}
	if p.Mirostat != model.MirostatOff {
		tau, eta := p.MirostatTau, p.MirostatEta
		req.Mirostat = int(p.Mirostat)
		req.MirostatTau = &tau
		req.MirostatEta = &eta
	}
	return req
}

func (c *LlamaClient) newHTTPRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// CompleteOnce sends a non-streaming completion request.
func (c *LlamaClient) CompleteOnce(ctx context.Context, history []ChatMessage, params model.Parameters) (content string, err error) {
	defer func() { metrics.RecordCompletionCall(c.Name(), "once", err) }()

	req, err := c.newHTTPRequest(ctx, c.buildRequest(history, params, false))
	if err != nil {
		return "", &CallError{Kind: KindAPI, Message: "build request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return "", transportError(ctx.Err())
		}
		return "", &CallError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	if msg, ok := body.errorMessage(); ok {
		return "", &CallError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: msg}
	}

	if len(body.Choices) == 0 || body.Choices[0].Message.Content == "" {
		c.logger.Warn("completion returned no content, using fallback text")
		return FallbackResponse, nil
	}

	return body.Choices[0].Message.Content, nil
}

// CompleteStreaming sends a streaming completion request. Transport
// failures, non-2xx statuses and a missing body are returned here; failures
// after the response started are returned by Recv.
func (c *LlamaClient) CompleteStreaming(ctx context.Context, history []ChatMessage, params model.Parameters) (ChunkStream, error) {
	req, err := c.newHTTPRequest(ctx, c.buildRequest(history, params, true))
	if err != nil {
		return nil, &CallError{Kind: KindAPI, Message: "build request", Err: err}
	}

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		cerr := transportError(err)
		metrics.RecordCompletionCall(c.Name(), "stream", cerr)
		return nil, cerr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		cerr := statusError(resp)
		metrics.RecordCompletionCall(c.Name(), "stream", cerr)
		return nil, cerr
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		cerr := &CallError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: "response has no body"}
		metrics.RecordCompletionCall(c.Name(), "stream", cerr)
		return nil, cerr
	}

	metrics.RecordCompletionCall(c.Name(), "stream", nil)
	return newSSEStream(resp.Body, c.logger), nil
}

// statusError builds an API error from a non-2xx response, reading a bounded
// prefix of the body for the server's message.
func statusError(resp *http.Response) *CallError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(data))
	var body chatResponse
	if err := json.Unmarshal(data, &body); err == nil {
		if m, ok := body.errorMessage(); ok {
			msg = m
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &CallError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: msg}
}

// logFrameWarning reports a dropped frame.
func logFrameWarning(log *logger.Logger, payload []byte, err error) {
	const maxLogged = 256
	if len(payload) > maxLogged {
		payload = payload[:maxLogged]
	}
	log.Warn("dropping malformed stream frame",
		zap.String("kind", string(KindParsing)),
		zap.ByteString("payload", payload),
		zap.Error(err),
	)
}
