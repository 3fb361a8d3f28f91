package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexstream/internal/budget"
	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/llm"
	"github.com/normanking/cortexstream/internal/modelrouter"
	"github.com/normanking/cortexstream/internal/persist"
	"github.com/normanking/cortexstream/internal/streams"
	"github.com/normanking/cortexstream/internal/transport"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ═══════════════════════════════════════════════════════════════════════════════

// fakeProvider streams a fixed list of fragments.
type fakeProvider struct {
	mu     sync.Mutex
	tokens []string
	err    error
	// pause runs after the tokens and before returning.
	pause func(ctx context.Context) error
	calls int
	last  *llm.ChatRequest
}

func (p *fakeProvider) Name() string                   { return "fake" }
func (p *fakeProvider) Available(context.Context) bool { return true }

func (p *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *fakeProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.last = req
	p.mu.Unlock()

	for _, tok := range p.tokens {
		if onToken != nil {
			onToken(tok)
		}
	}
	if p.pause != nil {
		if err := p.pause(ctx); err != nil {
			return nil, err
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Content: strings.Join(p.tokens, ""), Model: req.Model}, nil
}

func (p *fakeProvider) request() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type backends map[string]llm.Provider

func (b backends) Get(name string) (llm.Provider, error) {
	if p, ok := b[name]; ok {
		return p, nil
	}
	if p, ok := b[""]; ok && name == "" {
		return p, nil
	}
	return nil, llm.ErrNoBackend
}

type harness struct {
	orch     *Orchestrator
	store    *data.Store
	hooks    *hooks.Registry
	streams  *streams.Registry
	provider *fakeProvider
	chatID   string
}

var testModels = []ModelSpec{
	{ID: "gpt-4o-mini", Name: "gpt-4o-mini", ContextSize: 8000, MaxTokens: 500, AutoTrim: true},
	{ID: "gpt-4o", Name: "gpt-4o", ContextSize: 8000, MaxTokens: 500, AutoTrim: true},
	{ID: "tiny-window", Name: "tiny-window", ContextSize: 60, MaxTokens: 20, AutoTrim: true},
}

func newHarness(t *testing.T, p *fakeProvider) *harness {
	t.Helper()

	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buf := persist.New(store, persist.Config{Interval: 20 * time.Millisecond, WarmupTokens: 2, BaseDelay: time.Millisecond})
	t.Cleanup(func() { _ = buf.Close(context.Background()) })

	catalog := make([]modelrouter.Model, 0, len(testModels))
	for _, m := range testModels {
		catalog = append(catalog, modelrouter.Model{ID: m.ID, Name: m.Name})
	}
	router, err := modelrouter.New(catalog, modelrouter.Config{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	h := &harness{
		store:    store,
		hooks:    hooks.NewRegistry(),
		streams:  streams.NewRegistry(),
		provider: p,
	}
	h.orch, err = New(Deps{
		Store:    store,
		Backends: backends{"": p},
		Hooks:    h.hooks,
		Buffer:   buf,
		Streams:  h.streams,
		Router:   router,
	}, Config{
		Models:           testModels,
		DefaultModel:     "gpt-4o",
		ReservedOverhead: 10,
		SystemPrompt:     "base prompt",
	})
	require.NoError(t, err)

	conv := &data.Conversation{UserID: "u1", Title: "test"}
	require.NoError(t, store.CreateConversation(context.Background(), conv))
	h.chatID = conv.ID
	return h
}

func (h *harness) generate(t *testing.T, content string, mutate ...func(*Request)) (*transport.Recorder, error) {
	t.Helper()
	rec := transport.NewRecorder()
	req := Request{ChatID: h.chatID, Content: content}
	for _, fn := range mutate {
		fn(&req)
	}
	err := h.orch.Generate(context.Background(), req, rec)
	return rec, err
}

func (h *harness) messages(t *testing.T) []*data.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), h.chatID)
	require.NoError(t, err)
	return msgs
}

func eventsNamed(rec *transport.Recorder, name transport.EventName) []transport.Event {
	var out []transport.Event
	for _, ev := range rec.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func errorEvent(t *testing.T, rec *transport.Recorder) transport.Error {
	t.Helper()
	evs := eventsNamed(rec, transport.EventError)
	require.Len(t, evs, 1)
	payload, ok := evs[0].Payload.(transport.Error)
	require.True(t, ok)
	return payload
}

// ═══════════════════════════════════════════════════════════════════════════════
// HAPPY PATH
// ═══════════════════════════════════════════════════════════════════════════════

func TestGenerateStreamsAndPersists(t *testing.T) {
	p := &fakeProvider{tokens: []string{"Hel", "lo", " world"}}
	h := newHarness(t, p)

	rec, err := h.generate(t, "say hello")
	require.NoError(t, err)

	assert.Equal(t, []transport.EventName{
		transport.EventConnected,
		transport.EventChunk, transport.EventChunk, transport.EventChunk,
		transport.EventComplete,
		transport.EventDone,
	}, rec.Names())
	assert.Equal(t, 1, rec.EndCalls())
	assert.Zero(t, h.streams.Count())

	connected := rec.Events()[0].Payload.(transport.Connected)
	assert.Equal(t, "gpt-4o", connected.Model)
	assert.NotEmpty(t, connected.StreamID)

	last := eventsNamed(rec, transport.EventChunk)[2].Payload.(transport.Chunk)
	assert.Equal(t, " world", last.Chunk)
	assert.Equal(t, "Hello world", last.FullText)
	assert.Equal(t, 3, last.TokenCount)

	complete := eventsNamed(rec, transport.EventComplete)[0].Payload.(transport.Complete)
	assert.Equal(t, "Hello world", complete.FinalMessage.Content)
	assert.Equal(t, connected.AIMessageID, complete.FinalMessage.ID)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "say hello", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, data.StatusCompleted, msgs[1].Status)
	assert.Equal(t, 3, msgs[1].TokenCount)
	assert.Equal(t, "gpt-4o", msgs[1].Model)

	req := p.request()
	require.NotNil(t, req)
	assert.Equal(t, "base prompt", req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestGenerateIncludesPriorTurns(t *testing.T) {
	p := &fakeProvider{tokens: []string{"ok"}}
	h := newHarness(t, p)

	_, err := h.generate(t, "first")
	require.NoError(t, err)
	_, err = h.generate(t, "second")
	require.NoError(t, err)

	req := p.request()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "first", req.Messages[0].Content)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "second", req.Messages[2].Content)
}

func TestGenerateSplitsThinking(t *testing.T) {
	p := &fakeProvider{tokens: []string{"<thi", "nk>reason", "ing</think>\n\nAns", "wer"}}
	h := newHarness(t, p)

	rec, err := h.generate(t, "think first")
	require.NoError(t, err)

	complete := eventsNamed(rec, transport.EventComplete)[0].Payload.(transport.Complete)
	assert.Equal(t, "Answer", complete.FinalMessage.Content)
	assert.Equal(t, "reasoning", complete.FinalMessage.Thinking)

	msgs := h.messages(t)
	assert.Equal(t, "Answer", msgs[1].Content)
	assert.Equal(t, "reasoning", msgs[1].Meta["thinking"])
	assert.Equal(t, 4, msgs[1].TokenCount)
}

func TestGenerateAutoRoutesShortPrompt(t *testing.T) {
	p := &fakeProvider{tokens: []string{"hey"}}
	h := newHarness(t, p)

	rec, err := h.generate(t, "hi", func(r *Request) { r.Model = AutoModel })
	require.NoError(t, err)

	connected := rec.Events()[0].Payload.(transport.Connected)
	assert.Equal(t, "gpt-4o-mini", connected.Model)
	assert.Equal(t, "gpt-4o-mini", p.request().Model)
}

func TestGenerateTrimsHistoryToWindow(t *testing.T) {
	p := &fakeProvider{tokens: []string{"ok"}}
	h := newHarness(t, p)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, h.store.CreateMessage(ctx, &data.Message{ConversationID: h.chatID, Role: "user", Content: strings.Repeat("q", 40)}))
		require.NoError(t, h.store.CreateMessage(ctx, &data.Message{ConversationID: h.chatID, Role: "assistant", Content: strings.Repeat("a", 40)}))
	}

	_, err := h.generate(t, "latest", func(r *Request) { r.Model = "tiny-window" })
	require.NoError(t, err)

	req := p.request()
	assert.Less(t, len(req.Messages), 9)
	assert.Equal(t, "latest", req.Messages[len(req.Messages)-1].Content)
	limits := budget.Limits{ContextLimit: 60, MaxResponseTokens: 20, ReservedOverhead: 10}
	var hist []budget.Message
	for _, m := range req.Messages {
		hist = append(hist, budget.Message{Role: budget.NormalizeRole(m.Role), Content: m.Content})
	}
	assert.LessOrEqual(t, budget.Estimate(hist), limits.Available())
}

// ═══════════════════════════════════════════════════════════════════════════════
// HOOKS
// ═══════════════════════════════════════════════════════════════════════════════

func TestBeforeFilterRewritesContext(t *testing.T) {
	p := &fakeProvider{tokens: []string{"ok"}}
	h := newHarness(t, p)

	h.hooks.AddFilter(hooks.LLMBeforeGenerate, 10, hooks.Filter(func(_ context.Context, g *GenerationContext) (*GenerationContext, error) {
		g.SystemPrompt += "\ninjected"
		return g, nil
	}))
	h.hooks.AddFilter(hooks.LLMBeforeGenerate, 5, func(context.Context, any) (any, error) {
		return nil, errors.New("flaky plugin")
	})

	_, err := h.generate(t, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "base prompt\ninjected", p.request().SystemPrompt)
}

func TestBlockingFilterAbortsGeneration(t *testing.T) {
	p := &fakeProvider{tokens: []string{"never"}}
	h := newHarness(t, p)

	var later bool
	h.hooks.AddFilter(hooks.LLMBeforeGenerate, 5, func(context.Context, any) (any, error) {
		return nil, hooks.Block("quota_exceeded", "Daily quota reached")
	})
	h.hooks.AddFilter(hooks.LLMBeforeGenerate, 10, func(_ context.Context, p any) (any, error) {
		later = true
		return p, nil
	})

	rec, err := h.generate(t, "hello")
	require.Error(t, err)
	assert.True(t, hooks.IsBlocking(err))
	assert.False(t, later)
	assert.Zero(t, p.callCount())

	ev := errorEvent(t, rec)
	assert.Equal(t, "quota_exceeded", ev.Code)
	assert.Equal(t, "Daily quota reached", ev.Error)
	assert.Equal(t, transport.EventDone, rec.Names()[len(rec.Names())-1])
	assert.Zero(t, h.streams.Count())

	msgs := h.messages(t)
	require.Len(t, msgs, 1, "empty placeholder should be deleted")
	assert.Equal(t, "user", msgs[0].Role)
}

func TestAfterFilterRewritesFinalAnswer(t *testing.T) {
	p := &fakeProvider{tokens: []string{"raw ", "answer"}}
	h := newHarness(t, p)

	h.hooks.AddFilter(hooks.LLMAfterGenerate, 10, hooks.Filter(func(_ context.Context, c *Completion) (*Completion, error) {
		c.Content = strings.ToUpper(c.Content)
		return c, nil
	}))
	var seen string
	h.hooks.AddAction(hooks.LLMAfterGenerate, 10, hooks.Action(func(_ context.Context, c *Completion) error {
		seen = c.Content
		return errors.New("analytics down")
	}))

	rec, err := h.generate(t, "shout")
	require.NoError(t, err)

	assert.Equal(t, "RAW ANSWER", seen)
	complete := eventsNamed(rec, transport.EventComplete)[0].Payload.(transport.Complete)
	assert.Equal(t, "RAW ANSWER", complete.FinalMessage.Content)

	msgs := h.messages(t)
	assert.Equal(t, "RAW ANSWER", msgs[1].Content)
	assert.Equal(t, true, msgs[1].Meta["rewritten"])
	assert.Equal(t, data.StatusCompleted, msgs[1].Status)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FAILURES
// ═══════════════════════════════════════════════════════════════════════════════

func TestBackendErrorCleansUpPlaceholder(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection refused")}
	h := newHarness(t, p)

	rec, err := h.generate(t, "hello")
	require.Error(t, err)

	ev := errorEvent(t, rec)
	assert.Equal(t, CodeGenerationFailed, ev.Code)
	assert.Contains(t, ev.Details, "connection refused")
	assert.Equal(t, 1, rec.EndCalls())
	assert.Zero(t, h.streams.Count())

	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

// lastFullText is the answer as the peer last saw it.
func lastFullText(t *testing.T, rec *transport.Recorder) string {
	t.Helper()
	chunks := eventsNamed(rec, transport.EventChunk)
	require.NotEmpty(t, chunks)
	return chunks[len(chunks)-1].Payload.(transport.Chunk).FullText
}

func TestBackendErrorKeepsPartialAnswerAsFailed(t *testing.T) {
	p := &fakeProvider{
		tokens: []string{"one ", "two ", "three ", "four ", "five"},
		err:    errors.New("stream reset"),
	}
	h := newHarness(t, p)

	rec, err := h.generate(t, "hello")
	require.Error(t, err)
	assert.Equal(t, CodeGenerationFailed, errorEvent(t, rec).Code)

	streamed := lastFullText(t, rec)
	require.Equal(t, "one two three four five", streamed)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, streamed, msgs[1].Content)
	assert.Equal(t, data.StatusFailed, msgs[1].Status)
}

func TestUnknownModel(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	rec, err := h.generate(t, "hello", func(r *Request) { r.Model = "ghost" })
	require.ErrorIs(t, err, ErrUnknownModel)

	assert.Equal(t, CodeModelUnavailable, errorEvent(t, rec).Code)
	assert.Equal(t, []transport.EventName{transport.EventError, transport.EventDone}, rec.Names())
}

func TestMissingBackend(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	h.orch.models["gpt-4o"] = ModelSpec{ID: "gpt-4o", Name: "gpt-4o", Backend: "elsewhere"}

	rec, err := h.generate(t, "hello")
	require.ErrorIs(t, err, llm.ErrNoBackend)
	assert.Equal(t, CodeModelUnavailable, errorEvent(t, rec).Code)
	assert.Len(t, h.messages(t), 1)
}

func TestInvalidRequest(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	rec, err := h.generate(t, "   ")
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, CodeInvalidRequest, errorEvent(t, rec).Code)

	rec = transport.NewRecorder()
	err = h.orch.Generate(context.Background(), Request{ChatID: "missing", Content: "x"}, rec)
	require.ErrorIs(t, err, data.ErrNotFound)
	assert.Equal(t, 1, rec.EndCalls())
}

// ═══════════════════════════════════════════════════════════════════════════════
// CANCELLATION
// ═══════════════════════════════════════════════════════════════════════════════

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func waitForChunk(t *testing.T, rec *transport.Recorder) transport.Connected {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(eventsNamed(rec, transport.EventChunk)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return eventsNamed(rec, transport.EventConnected)[0].Payload.(transport.Connected)
}

func TestCancelStopsGeneration(t *testing.T) {
	p := &fakeProvider{tokens: []string{"partial"}, pause: blockUntilCancelled}
	h := newHarness(t, p)

	rec := transport.NewRecorder()
	done := make(chan error, 1)
	go func() {
		done <- h.orch.Generate(context.Background(), Request{ChatID: h.chatID, Content: "long story"}, rec)
	}()

	connected := waitForChunk(t, rec)
	assert.True(t, h.orch.Cancel(connected.StreamID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after cancel")
	}

	assert.Empty(t, eventsNamed(rec, transport.EventComplete))
	assert.Empty(t, eventsNamed(rec, transport.EventError))
	assert.Zero(t, h.streams.Count())
	assert.False(t, h.orch.Cancel(connected.StreamID))

	// The warm-up write scheduled for the fragment completes before cleanup.
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, lastFullText(t, rec), msgs[1].Content)
	assert.Equal(t, data.StatusCompleted, msgs[1].Status)
}

func TestNoFragmentsProcessedAfterCancel(t *testing.T) {
	p := &fakeProvider{tokens: []string{"a", "b", "c", "d"}}
	h := newHarness(t, p)

	// Chunks and the cancel are both ready; the cancel must always win.
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		rec := transport.NewRecorder()
		r := &run{
			o:     h.orch,
			t:     rec,
			log:   h.orch.logger,
			aiMsg: &data.Message{ID: "ai-cancelled"},
			gen:   &GenerationContext{Model: testModels[0]},
		}
		_, err := r.stream(ctx, p)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, r.tokenCount)
		assert.Empty(t, eventsNamed(rec, transport.EventChunk))
		assert.False(t, h.orch.deps.Buffer.Pending("ai-cancelled"))
	}
}

func TestDisconnectStopsGeneration(t *testing.T) {
	p := &fakeProvider{tokens: []string{"partial"}, pause: blockUntilCancelled}
	h := newHarness(t, p)

	rec := transport.NewRecorder()
	done := make(chan error, 1)
	go func() {
		done <- h.orch.Generate(context.Background(), Request{ChatID: h.chatID, Content: "long story"}, rec)
	}()

	waitForChunk(t, rec)
	rec.Disconnect()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after disconnect")
	}
	assert.Zero(t, h.streams.Count())
}

func TestContextCancelStopsGeneration(t *testing.T) {
	p := &fakeProvider{tokens: []string{"partial"}, pause: blockUntilCancelled}
	h := newHarness(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	rec := transport.NewRecorder()
	done := make(chan error, 1)
	go func() {
		done <- h.orch.Generate(ctx, Request{ChatID: h.chatID, Content: "long story"}, rec)
	}()

	waitForChunk(t, rec)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after context cancel")
	}
	assert.Equal(t, 1, rec.EndCalls())
}

func TestConcurrentGenerations(t *testing.T) {
	p := &fakeProvider{tokens: []string{"a", "b", "c"}}
	h := newHarness(t, p)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.generate(t, "parallel")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, h.streams.Count())
	assert.Len(t, h.messages(t), 10)
}
