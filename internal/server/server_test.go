package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexstream/internal/config"
	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/llm"
	"github.com/normanking/cortexstream/internal/orchestrator"
	"github.com/normanking/cortexstream/internal/persist"
	"github.com/normanking/cortexstream/internal/streams"
	"github.com/normanking/cortexstream/internal/transport"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ═══════════════════════════════════════════════════════════════════════════════

// scriptedProvider streams tokens and, when hold is set, waits for the
// request to be cancelled before returning.
type scriptedProvider struct {
	tokens []string
	hold   bool
}

func (p *scriptedProvider) Name() string                   { return "scripted" }
func (p *scriptedProvider) Available(context.Context) bool { return true }

func (p *scriptedProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error) {
	for _, tok := range p.tokens {
		if onToken != nil {
			onToken(tok)
		}
	}
	if p.hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &llm.ChatResponse{Content: strings.Join(p.tokens, ""), Model: req.Model}, nil
}

type singleBackend struct{ p llm.Provider }

func (b singleBackend) Get(string) (llm.Provider, error) { return b.p, nil }

type fixture struct {
	srv     *Server
	http    *httptest.Server
	store   *data.Store
	hooks   *hooks.Registry
	streams *streams.Registry
}

func newFixture(t *testing.T, p llm.Provider, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buf := persist.New(store, persist.Config{Interval: 20 * time.Millisecond, WarmupTokens: 2, BaseDelay: time.Millisecond})
	t.Cleanup(func() { _ = buf.Close(context.Background()) })

	f := &fixture{store: store, hooks: hooks.NewRegistry(), streams: streams.NewRegistry()}
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Backends: singleBackend{p},
		Hooks:    f.hooks,
		Buffer:   buf,
		Streams:  f.streams,
	}, orchestrator.Config{
		Models:       []orchestrator.ModelSpec{{ID: "m1", ContextSize: 4000, MaxTokens: 100, AutoTrim: true}},
		DefaultModel: "m1",
	})
	require.NoError(t, err)

	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}

	f.srv, err = New(Deps{Store: store, Generator: orch, Hooks: f.hooks}, cfg, zerolog.Nop())
	require.NoError(t, err)

	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) createChat(t *testing.T) string {
	t.Helper()
	conv := &data.Conversation{UserID: "u1"}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))
	return conv.ID
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

type sseEvent struct {
	name string
	data string
}

// readEvents collects SSE frames until the done sentinel or EOF.
func readEvents(t *testing.T, resp *http.Response, onEvent func(sseEvent)) []sseEvent {
	t.Helper()
	defer resp.Body.Close()

	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			if onEvent != nil {
				onEvent(cur)
			}
			if cur.name == string(transport.EventDone) {
				return events
			}
			cur = sseEvent{}
		}
	}
	return events
}

func names(events []sseEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.name)
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP
// ═══════════════════════════════════════════════════════════════════════════════

func TestHealth(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Streams)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp, err := http.Get(f.http.URL + "/api/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Models []orchestrator.ModelSpec `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "m1", body.Models[0].ID)
}

func TestCreateChatFiresSessionHook(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	var (
		mu   sync.Mutex
		seen []hooks.SessionEvent
	)
	f.hooks.AddAction(hooks.APISessionCreated, 10, hooks.Action(func(_ context.Context, ev hooks.SessionEvent) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}))

	resp := f.post(t, "/api/chats", `{"title":"hello","workspaceId":"ws-1"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conv data.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "u1", conv.UserID)
	assert.Equal(t, "hello", conv.Title)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, conv.ID, seen[0].ChatID)
	assert.Equal(t, "ws-1", seen[0].WorkspaceID)
}

func TestCreateChatWithoutBody(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp := f.post(t, "/api/chats", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestGenerateStreamsOverSSE(t *testing.T) {
	f := newFixture(t, &scriptedProvider{tokens: []string{"Hello", " world"}})
	chatID := f.createChat(t)

	resp := f.post(t, "/api/chats/"+chatID+"/messages", `{"content":"hi there"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp, nil)
	got := names(events)
	require.NotEmpty(t, got)
	assert.Equal(t, "connected", got[0])
	assert.Contains(t, got, "aiChunk")
	assert.Contains(t, got, "aiMessageComplete")
	assert.Equal(t, "done", got[len(got)-1])

	var done transport.Done
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &done))
	assert.NotEmpty(t, done.StreamID, "sentinel carries the stream id")

	list, err := http.Get(f.http.URL + "/api/chats/" + chatID + "/messages")
	require.NoError(t, err)
	defer list.Body.Close()

	var body struct {
		Messages []data.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "Hello world", body.Messages[1].Content)
	assert.Equal(t, data.StatusCompleted, body.Messages[1].Status)
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	f := newFixture(t, &scriptedProvider{tokens: []string{"x"}})
	chatID := f.createChat(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"empty content", "/api/chats/" + chatID + "/messages", `{"content":"  "}`, http.StatusBadRequest},
		{"malformed json", "/api/chats/" + chatID + "/messages", `{"content":`, http.StatusBadRequest},
		{"unknown chat", "/api/chats/missing/messages", `{"content":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestListMessagesUnknownChat(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp, err := http.Get(f.http.URL + "/api/chats/nope/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownStream(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp := f.post(t, "/api/streams/stream_nope/cancel", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelActiveSSEStream(t *testing.T) {
	f := newFixture(t, &scriptedProvider{tokens: []string{"partial"}, hold: true})
	chatID := f.createChat(t)

	resp := f.post(t, "/api/chats/"+chatID+"/messages", `{"content":"long task"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancelled := make(chan int, 1)
	events := readEvents(t, resp, func(ev sseEvent) {
		if ev.name != string(transport.EventConnected) {
			return
		}
		var c transport.Connected
		if err := json.Unmarshal([]byte(ev.data), &c); err != nil {
			cancelled <- 0
			return
		}
		go func() {
			r, err := http.Post(f.http.URL+"/api/streams/"+c.StreamID+"/cancel", "application/json", nil)
			if err != nil {
				cancelled <- 0
				return
			}
			r.Body.Close()
			cancelled <- r.StatusCode
		}()
	})

	select {
	case code := <-cancelled:
		assert.Equal(t, http.StatusAccepted, code)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel request never completed")
	}

	got := names(events)
	require.NotEmpty(t, got)
	assert.Equal(t, "done", got[len(got)-1])
	assert.NotContains(t, got, "aiMessageComplete")
	assert.Eventually(t, func() bool { return f.streams.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ═══════════════════════════════════════════════════════════════════════════════

type wsFrame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"streamId"`
	Data     json.RawMessage `json:"data"`
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": {"u1"}})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, stop string, onFrame func(wsFrame)) []string {
	t.Helper()
	var seen []string
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var fr wsFrame
		require.NoError(t, ws.ReadJSON(&fr))
		seen = append(seen, fr.Type)
		if onFrame != nil {
			onFrame(fr)
		}
		if fr.Type == stop {
			return seen
		}
	}
}

func TestWebsocketGeneration(t *testing.T) {
	f := newFixture(t, &scriptedProvider{tokens: []string{"one", " two"}})
	chatID := f.createChat(t)
	ws := dial(t, f)

	require.NoError(t, ws.WriteJSON(transport.Frame{Type: "message", ChatID: chatID, Content: "count"}))

	var streamID string
	seen := readUntil(t, ws, "done", func(fr wsFrame) {
		if fr.Type == "done" {
			streamID = fr.StreamID
		}
	})
	assert.Equal(t, "connected", seen[0])
	assert.Contains(t, seen, "aiChunk")
	assert.Contains(t, seen, "aiMessageComplete")
	assert.NotEmpty(t, streamID)

	// The connection stays usable for the next generation.
	require.NoError(t, ws.WriteJSON(transport.Frame{Type: "message", ChatID: chatID, Content: "again"}))
	seen = readUntil(t, ws, "done", nil)
	assert.Contains(t, seen, "aiMessageComplete")
}

func TestWebsocketCancel(t *testing.T) {
	f := newFixture(t, &scriptedProvider{tokens: []string{"partial"}, hold: true})
	chatID := f.createChat(t)
	ws := dial(t, f)

	require.NoError(t, ws.WriteJSON(transport.Frame{Type: "message", ChatID: chatID, Content: "long"}))

	seen := readUntil(t, ws, "done", func(fr wsFrame) {
		if fr.Type == "connected" {
			require.NoError(t, ws.WriteJSON(transport.Frame{Type: "cancel", StreamID: fr.StreamID}))
		}
	})
	assert.NotContains(t, seen, "aiMessageComplete")
	assert.Eventually(t, func() bool { return f.streams.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsUnknownFrames(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ws := dial(t, f)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "dance"}))
	var fr wsFrame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&fr))
	assert.Equal(t, "error", fr.Type)

	var payload transport.Error
	require.NoError(t, json.Unmarshal(fr.Data, &payload))
	assert.Equal(t, orchestrator.CodeInvalidRequest, payload.Code)
	assert.Contains(t, payload.Error, "dance")

	require.NoError(t, ws.WriteJSON(transport.Frame{Type: "cancel", StreamID: "stream_missing"}))
	require.NoError(t, ws.ReadJSON(&fr))
	assert.Equal(t, "error", fr.Type)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func TestSweepForcesStaleStreams(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, func(c *config.Config) {
		c.Generation.MaxStreamAge = time.Nanosecond
		c.Generation.ForceCleanupGrace = 10 * time.Millisecond
	})

	rec := transport.NewRecorder()
	interrupted := make(chan struct{})
	require.NoError(t, f.streams.Register("stream_stale", rec, func() { close(interrupted) }))
	time.Sleep(time.Millisecond)

	f.srv.sweep()

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("stale stream was not interrupted")
	}
	assert.Eventually(t, func() bool { return f.streams.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.EndCalls())
}

func TestNewRejectsBadSweepSchedule(t *testing.T) {
	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := config.Default()
	cfg.Generation.SweepSchedule = "every now and then"
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Backends: singleBackend{&scriptedProvider{}},
		Buffer:   persist.New(store, persist.DefaultConfig()),
	}, orchestrator.Config{})
	require.NoError(t, err)

	_, err = New(Deps{Store: store, Generator: orch}, cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestShutdownInterruptsStreams(t *testing.T) {
	f := newFixture(t, &scriptedProvider{tokens: []string{"partial"}, hold: true})
	chatID := f.createChat(t)
	ws := dial(t, f)

	require.NoError(t, ws.WriteJSON(transport.Frame{Type: "message", ChatID: chatID, Content: "long"}))
	readUntil(t, ws, "connected", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	assert.Eventually(t, func() bool { return f.streams.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"case insensitive", []string{"https://App.Example"}, "https://app.example", true},
		{"not listed", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}

	assert.Nil(t, originChecker(nil), "empty list defers to the same-origin default")
}
