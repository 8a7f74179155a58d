package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spadaval/graphchat-sub000/internal/documents"
	"github.com/spadaval/graphchat-sub000/internal/llm"
	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/internal/service"
	"github.com/spadaval/graphchat-sub000/internal/store"
)

// scriptedClient streams fixed chunks and answers single-shot calls with
// a fixed reply.
type scriptedClient struct {
	mu      sync.Mutex
	chunks  []string
	openErr error
	once    string
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) CompleteOnce(ctx context.Context, history []llm.ChatMessage, p model.Parameters) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.once, nil
}

func (c *scriptedClient) CompleteStreaming(ctx context.Context, history []llm.ChatMessage, p model.Parameters) (llm.ChunkStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &scriptedStream{chunks: append([]string(nil), c.chunks...)}, nil
}

type scriptedStream struct {
	chunks []string
	done   bool
}

func (s *scriptedStream) Recv() (llm.StreamChunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return llm.StreamChunk{Content: c}, nil
	}
	if !s.done {
		s.done = true
		return llm.StreamChunk{Done: true}, nil
	}
	return llm.StreamChunk{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type apiHarness struct {
	store   *store.Store
	params  *params.Store
	client  *scriptedClient
	handler http.Handler
}

func newAPI(t *testing.T, client *scriptedClient) *apiHarness {
	t.Helper()
	st := store.New(store.WithIDGenerator(store.NewSequenceGenerator()))
	ps := params.NewStore(params.Defaults())
	docs := documents.NewMemoryProvider(model.Document{ID: "guide", Title: "Guide", Content: "Be brief."})
	chat := service.NewChatService(st, client, ps,
		service.WithStreamTimeout(2*time.Second),
		service.WithDocuments(docs),
	)
	threads := service.NewThreadService(st, chat, nil)

	return &apiHarness{
		store:  st,
		params: ps,
		client: client,
		handler: NewRouter(RouterConfig{
			Store:     st,
			Chat:      chat,
			Threads:   threads,
			Params:    ps,
			Documents: docs,
		}),
	}
}

func (a *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.name
	}
	return out
}

func TestHealth(t *testing.T) {
	a := newAPI(t, &scriptedClient{})

	rec := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestReadyReportsStorageFailure(t *testing.T) {
	h := NewHealthHandler(failingPinger{})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestThreadLifecycle(t *testing.T) {
	a := newAPI(t, &scriptedClient{})

	rec := a.do(t, http.MethodPost, "/api/v1/threads", `{"title":"Plans"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.Thread](t, rec)
	assert.Equal(t, "Plans", created.Title)

	rec = a.do(t, http.MethodGet, "/api/v1/threads", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[model.ListThreadsResponse](t, rec)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, created.ID, list.CurrentID)

	rec = a.do(t, http.MethodPut, "/api/v1/threads/"+created.ID, `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decode[model.Thread](t, rec).Title)

	rec = a.do(t, http.MethodPut, "/api/v1/threads/"+created.ID+"/draft", `{"draft":"half a thought"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/threads/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "half a thought", decode[model.Thread](t, rec).Draft)

	rec = a.do(t, http.MethodDelete, "/api/v1/threads/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/threads/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadErrors(t *testing.T) {
	a := newAPI(t, &scriptedClient{})

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/v1/threads/bad_id!", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/v1/threads/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/api/v1/threads/missing/select", "").Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/v1/threads", `{"title":`).Code)
}

func TestSendMessage(t *testing.T) {
	a := newAPI(t, &scriptedClient{chunks: []string{"Hi", " there"}})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[ExchangeResponse](t, rec)
	assert.Equal(t, thread.ID, resp.ThreadID)
	assert.Equal(t, "streamed", resp.Outcome)
	assert.Equal(t, "hello", resp.UserMessage.Text())
	assert.Equal(t, "Hi there", resp.AssistantMessage.Text())
	assert.False(t, resp.AssistantMessage.IsGenerating)

	rec = a.do(t, http.MethodGet, "/api/v1/threads/"+thread.ID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[model.ListMessagesResponse](t, rec)
	require.Len(t, msgs.Messages, 2)
	assert.False(t, msgs.StreamActive)
}

func TestSendMessageValidation(t *testing.T) {
	a := newAPI(t, &scriptedClient{})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/threads/missing/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegenerateAndCycleVariants(t *testing.T) {
	a := newAPI(t, &scriptedClient{chunks: []string{"first"}, once: "second"})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ex := decode[ExchangeResponse](t, rec)
	base := "/api/v1/threads/" + thread.ID + "/messages/"
	assistant := base + jsonInt(ex.AssistantMessage.ID)

	rec = a.do(t, http.MethodPost, assistant+"/regenerate", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "second", decode[model.Variant](t, rec).Text)

	rec = a.do(t, http.MethodPost, assistant+"/variants/next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	next := decode[model.Message](t, rec)
	assert.Equal(t, "first", next.Text())

	rec = a.do(t, http.MethodPost, assistant+"/variants/previous", "")
	require.Equal(t, http.StatusOK, rec.Code)
	prev := decode[model.Message](t, rec)
	assert.Equal(t, "second", prev.Text())

	// Regenerating a user message is rejected.
	rec = a.do(t, http.MethodPost, base+jsonInt(ex.UserMessage.ID)+"/regenerate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, base+"99/regenerate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, base+"abc/regenerate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditAndDeleteMessage(t *testing.T) {
	a := newAPI(t, &scriptedClient{chunks: []string{"ok"}})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ex := decode[ExchangeResponse](t, rec)
	base := "/api/v1/threads/" + thread.ID + "/messages/"

	rec = a.do(t, http.MethodPut, base+jsonInt(ex.UserMessage.ID), `{"content":"hello again"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello again", decode[model.Variant](t, rec).Text)

	rec = a.do(t, http.MethodPut, base+jsonInt(ex.AssistantMessage.ID), `{"content":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodDelete, base+jsonInt(ex.AssistantMessage.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	msg, err := a.store.Message(thread.ID, ex.UserMessage.ID)
	require.NoError(t, err)
	assert.Len(t, msg.Variants, 2)
	_, err = a.store.Message(thread.ID, ex.AssistantMessage.ID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestCancelIdleThread(t *testing.T) {
	a := newAPI(t, &scriptedClient{})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"cancelled": false}, decode[map[string]bool](t, rec))
}

func TestParamsEndpoints(t *testing.T) {
	a := newAPI(t, &scriptedClient{})

	rec := a.do(t, http.MethodGet, "/api/v1/params", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, params.Defaults().Temperature, decode[model.Parameters](t, rec).Temperature)

	rec = a.do(t, http.MethodPatch, "/api/v1/params", `{"temperature":0.2,"stream":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[model.Parameters](t, rec)
	assert.Equal(t, 0.2, updated.Temperature)
	assert.False(t, updated.Stream)
	assert.Equal(t, 0.2, a.params.Get().Temperature)
}

func TestListDocuments(t *testing.T) {
	a := newAPI(t, &scriptedClient{})

	rec := a.do(t, http.MethodGet, "/api/v1/documents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documents":[{"id":"guide","title":"Guide"}]}`, rec.Body.String())
}

func TestStreamWithMessage(t *testing.T) {
	a := newAPI(t, &scriptedClient{chunks: []string{"Hel", "lo"}})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/stream", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(rec.Body.String())
	assert.Equal(t, []string{"thread", "token", "token", "message_complete", "done"}, names(events))

	var tok model.TokenEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &tok))
	assert.Equal(t, "Hel", tok.Token)
	assert.Equal(t, 0, tok.Index)

	var complete model.MessageCompleteEvent
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &complete))
	assert.Equal(t, "Hello", complete.Message.Text())
	assert.Equal(t, "streamed", complete.Outcome)
	assert.JSONEq(t, `{"success":true}`, events[4].data)
}

func TestStreamWithMessageFallbackReplaces(t *testing.T) {
	a := newAPI(t, &scriptedClient{openErr: errors.New("connection refused"), once: "Recovered"})
	thread := a.store.CreateThread("Chat")

	rec := a.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/stream", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(rec.Body.String())
	assert.Equal(t, []string{"thread", "replace", "message_complete", "done"}, names(events))

	var replace model.ReplaceEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &replace))
	assert.Equal(t, "Recovered", replace.Text)
}

func TestStreamWithMessageUnknownThread(t *testing.T) {
	a := newAPI(t, &scriptedClient{})

	rec := a.do(t, http.MethodPost, "/api/v1/threads/missing/stream", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamLiveEvents(t *testing.T) {
	a := newAPI(t, &scriptedClient{})
	thread := a.store.CreateThread("Chat")

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/threads/"+thread.ID+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	next := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	assert.Equal(t, "snapshot", next())

	require.NoError(t, a.store.RenameThread(thread.ID, "Renamed"))
	assert.Equal(t, string(model.EventThreadUpdated), next())

	temp := 0.4
	a.params.Set(params.Partial{Temperature: &temp})
	assert.Equal(t, "params", next())

	require.NoError(t, a.store.DeleteThread(thread.ID))
	assert.Equal(t, string(model.EventThreadDeleted), next())
}

func jsonInt(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
