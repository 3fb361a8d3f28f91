// Package orchestrator drives one chat generation from the user's message to
// the persisted answer: history, budgeting, hooks, streaming, persistence
// and teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/budget"
	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/llm"
	"github.com/normanking/cortexstream/internal/logging"
	"github.com/normanking/cortexstream/internal/metrics"
	"github.com/normanking/cortexstream/internal/modelrouter"
	"github.com/normanking/cortexstream/internal/persist"
	"github.com/normanking/cortexstream/internal/streams"
	"github.com/normanking/cortexstream/internal/transport"
)

// Deps are the collaborators an Orchestrator drives. Router may be nil,
// which disables AutoModel.
type Deps struct {
	Store    Store
	Backends Backends
	Hooks    *hooks.Registry
	Buffer   *persist.Buffer
	Streams  *streams.Registry
	Router   *modelrouter.Router
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator runs generations. It is safe for concurrent use; each call to
// Generate owns its own state.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	models map[string]ModelSpec
	logger zerolog.Logger
	now    func() time.Time
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Backends == nil:
		return nil, errors.New("orchestrator: backends are required")
	case deps.Buffer == nil:
		return nil, errors.New("orchestrator: persistence buffer is required")
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewRegistry()
	}
	if deps.Streams == nil {
		deps.Streams = streams.NewRegistry()
	}
	if cfg.ForceCleanupGrace <= 0 {
		cfg.ForceCleanupGrace = streams.DefaultForceCleanupGrace
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		models: make(map[string]ModelSpec, len(cfg.Models)),
		logger: log.Logger,
		now:    time.Now,
	}
	for _, m := range cfg.Models {
		if m.Name == "" {
			m.Name = m.ID
		}
		o.models[m.ID] = m
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Streams exposes the stream registry for cancellation and sweeping.
func (o *Orchestrator) Streams() *streams.Registry { return o.deps.Streams }

// Cancel interrupts a running generation. It reports whether the stream existed.
func (o *Orchestrator) Cancel(streamID string) bool {
	return o.deps.Streams.Interrupt(streamID)
}

// Models returns the catalog.
func (o *Orchestrator) Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(o.cfg.Models))
	for _, m := range o.cfg.Models {
		out = append(out, o.models[m.ID])
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// GENERATION
// ═══════════════════════════════════════════════════════════════════════════════

// run is the per-request state of one generation.
type run struct {
	o   *Orchestrator
	t   transport.Transport
	req Request
	sm  machine
	log zerolog.Logger

	gen      *GenerationContext
	aiMsg    *data.Message
	streamID string

	splitter   thinkSplitter
	tokenCount int
	tps        float64
	startedAt  time.Time
}

// Generate answers req and streams the result over t. It blocks until the
// generation finished, failed or was interrupted, and always leaves t ended.
// Cancelling ctx has the same effect as a disconnect.
func (o *Orchestrator) Generate(ctx context.Context, req Request, t transport.Transport) error {
	r := &run{
		o:   o,
		t:   t,
		req: req,
		log: o.logger.With().Str("chat_id", req.ChatID).Logger(),
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) error {
	o := r.o

	if strings.TrimSpace(r.req.ChatID) == "" || strings.TrimSpace(r.req.Content) == "" {
		return r.fail(ctx, CodeInvalidRequest, fmt.Errorf("%w: chat id and content are required", ErrInvalidRequest))
	}

	conv, err := o.deps.Store.GetConversation(ctx, r.req.ChatID)
	if err != nil {
		code := CodeStorageFailed
		if data.IsNotFound(err) {
			code = CodeInvalidRequest
		}
		return r.fail(ctx, code, fmt.Errorf("load conversation: %w", err))
	}

	userMsg := &data.Message{
		ConversationID: conv.ID,
		Role:           string(budget.RoleUser),
		Content:        r.req.Content,
		Attachments:    r.req.Attachments,
		Status:         data.StatusCompleted,
	}
	if err := o.deps.Store.CreateMessage(ctx, userMsg); err != nil {
		return r.fail(ctx, CodeStorageFailed, fmt.Errorf("save user message: %w", err))
	}

	// INIT → HISTORY_LOADED
	history, err := r.loadHistory(ctx, conv.ID)
	if err != nil {
		return r.fail(ctx, CodeStorageFailed, err)
	}
	if err := r.sm.to(StateHistoryLoaded); err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}

	spec, decision, err := r.selectModel(history)
	if err != nil {
		return r.fail(ctx, CodeModelUnavailable, err)
	}

	r.aiMsg = &data.Message{
		ConversationID: conv.ID,
		Role:           string(budget.RoleAssistant),
		Status:         data.StatusPending,
		Model:          spec.ID,
	}
	if err := o.deps.Store.CreateMessage(ctx, r.aiMsg); err != nil {
		r.aiMsg = nil
		return r.fail(ctx, CodeStorageFailed, fmt.Errorf("create placeholder: %w", err))
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.streamID = streams.NewStreamID(r.aiMsg.ID)
	if tagged, ok := r.t.(interface{ SetStreamID(string) }); ok {
		tagged.SetStreamID(r.streamID)
	}
	r.log = r.log.With().Str("stream_id", r.streamID).Str("message_id", r.aiMsg.ID).Logger()
	if err := o.deps.Streams.Register(r.streamID, r.t, cancel); err != nil {
		r.streamID = ""
		return r.fail(ctx, CodeGenerationFailed, err)
	}

	r.startedAt = o.now()
	r.gen = &GenerationContext{
		ChatID:        conv.ID,
		WorkspaceID:   conv.WorkspaceID,
		UserID:        r.userID(conv),
		UserMessageID: userMsg.ID,
		AIMessageID:   r.aiMsg.ID,
		StreamID:      r.streamID,
		Model:         spec,
		Decision:      decision,
		SystemPrompt:  o.cfg.SystemPrompt,
		Messages:      history,
		NoThink:       r.req.NoThink,
		StartedAt:     r.startedAt,
		Meta:          map[string]any{},
	}

	r.send(genCtx, transport.EventConnected, transport.Connected{
		Model:       spec.ID,
		AIMessageID: r.aiMsg.ID,
		StreamID:    r.streamID,
	})

	// HISTORY_LOADED → BUDGETED
	r.applyBudget()
	if err := r.sm.to(StateBudgeted); err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}

	// BUDGETED → FILTERED
	if err := r.runBeforeFilters(genCtx); err != nil {
		if genCtx.Err() != nil {
			return r.interrupted(ctx)
		}
		code := CodeGenerationFailed
		if be, ok := hooks.AsBlocking(err); ok && be.Code != "" {
			code = be.Code
		}
		return r.fail(ctx, code, err)
	}
	if err := r.sm.to(StateFiltered); err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}

	// FILTERED → GENERATING
	provider, err := o.deps.Backends.Get(r.gen.Model.Backend)
	if err != nil {
		return r.fail(ctx, CodeModelUnavailable, err)
	}
	if err := r.sm.to(StateGenerating); err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}

	resp, err := r.stream(genCtx, provider)
	if genCtx.Err() != nil {
		return r.interrupted(ctx)
	}
	if err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}

	// GENERATING → FINALIZING
	if err := r.sm.to(StateFinalizing); err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}
	if err := r.finalize(genCtx, resp); err != nil {
		if genCtx.Err() != nil {
			return r.interrupted(ctx)
		}
		return r.fail(ctx, CodeStorageFailed, err)
	}

	// FINALIZING → DONE
	if err := r.sm.to(StateDone); err != nil {
		return r.fail(ctx, CodeGenerationFailed, err)
	}
	o.deps.Streams.Cleanup(r.streamID)
	metrics.GenerationsTotal.WithLabelValues("completed").Inc()
	metrics.GenerationDuration.WithLabelValues(r.gen.Model.ID).Observe(o.now().Sub(r.startedAt).Seconds())
	metrics.TokensGenerated.WithLabelValues(r.gen.Model.ID).Add(float64(r.tokenCount))

	r.log.Info().
		Str("model", r.gen.Model.ID).
		Int("tokens", r.tokenCount).
		Float64("tps", r.tps).
		Msg("generation completed")
	return nil
}

// loadHistory returns the chat as budget messages, skipping failed turns
// and empty assistant placeholders of other generations.
func (r *run) loadHistory(ctx context.Context, chatID string) ([]budget.Message, error) {
	stored, err := r.o.deps.Store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]budget.Message, 0, len(stored))
	for _, m := range stored {
		if m.Status == data.StatusFailed || strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, budget.Message{
			Role:        budget.NormalizeRole(m.Role),
			Content:     m.Content,
			Attachments: m.Attachments,
		})
	}
	return history, nil
}

func (r *run) userID(conv *data.Conversation) string {
	if r.req.UserID != "" {
		return r.req.UserID
	}
	return conv.UserID
}

// selectModel resolves the request's model against the catalog.
func (r *run) selectModel(history []budget.Message) (ModelSpec, *modelrouter.Decision, error) {
	o := r.o
	id := r.req.Model
	if id == "" {
		id = o.cfg.DefaultModel
	}
	if id == "" && o.deps.Router != nil {
		id = AutoModel
	}

	if id != AutoModel {
		spec, ok := o.models[id]
		if !ok {
			return ModelSpec{}, nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
		}
		return spec, nil, nil
	}

	if o.deps.Router == nil {
		return ModelSpec{}, nil, fmt.Errorf("%w: automatic selection is disabled", ErrUnknownModel)
	}

	// The newest entry is the prompt itself.
	prior := history
	if n := len(prior); n > 0 && prior[n-1].Role == budget.RoleUser {
		prior = prior[:n-1]
	}
	opts := modelrouter.Options{History: make([]modelrouter.HistoryEntry, 0, len(prior))}
	for _, m := range prior {
		opts.History = append(opts.History, modelrouter.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}

	decision, err := o.deps.Router.Choose(r.req.Content, opts)
	if err != nil {
		return ModelSpec{}, nil, err
	}
	spec, ok := o.models[decision.Model]
	if !ok {
		// The router's default model may live outside the catalog.
		spec = ModelSpec{ID: decision.Model, Name: decision.Model}
	}
	r.log.Debug().
		Str("model", decision.Model).
		Str("tier", string(decision.Tier)).
		Str("rule", decision.Rule).
		Bool("fallback", decision.Fallback).
		Msg("model routed")
	return spec, &decision, nil
}

// applyBudget trims history when the model has a known window.
func (r *run) applyBudget() {
	spec := r.gen.Model
	if spec.ContextSize <= 0 || !spec.AutoTrim {
		r.gen.EstimatedTokens = budget.Estimate(r.gen.Messages)
		return
	}

	res := budget.Trim(r.gen.Messages, budget.Limits{
		ContextLimit:      spec.ContextSize,
		MaxResponseTokens: r.maxTokens(),
		ReservedOverhead:  r.o.cfg.ReservedOverhead,
	})
	r.gen.Messages = res.Messages
	r.gen.EstimatedTokens = res.EstimatedTokens
	r.gen.Dropped = res.Dropped

	if res.Trimmed() {
		metrics.TrimmedMessages.Add(float64(res.Dropped))
		r.log.Debug().Int("dropped", res.Dropped).Int("tokens", res.EstimatedTokens).Msg("history trimmed")
	}
	if res.OverBudget {
		r.gen.Meta["over_budget"] = true
		r.log.Warn().
			Int("tokens", res.EstimatedTokens).
			Int("context_size", spec.ContextSize).
			Msg("newest user message alone exceeds the context budget, sending it anyway")
	}
}

func (r *run) maxTokens() int {
	if r.gen.Model.MaxTokens > 0 {
		return r.gen.Model.MaxTokens
	}
	return r.o.cfg.DefaultMaxTokens
}

func (r *run) runBeforeFilters(ctx context.Context) error {
	out, err := r.o.deps.Hooks.RunFilters(ctx, hooks.LLMBeforeGenerate, r.gen)
	if gc, ok := out.(*GenerationContext); ok && gc != nil {
		r.gen = gc
	} else if out != nil {
		r.log.Warn().Str("hook", string(hooks.LLMBeforeGenerate)).Msgf("filter returned %T, keeping previous payload", out)
	}
	return err
}

// stream consumes the backend and mirrors every fragment to the buffer and
// the transport. It returns when the backend is done or ctx is cancelled.
func (r *run) stream(ctx context.Context, provider llm.Provider) (*llm.ChatResponse, error) {
	req := &llm.ChatRequest{
		Model:        r.gen.Model.Name,
		SystemPrompt: r.gen.SystemPrompt,
		Messages:     make([]llm.Message, 0, len(r.gen.Messages)),
		MaxTokens:    r.maxTokens(),
		NoThink:      r.gen.NoThink,
	}
	for _, m := range r.gen.Messages {
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}

	chunks := llm.Stream(ctx, provider, req)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-chunks:
			// select picks among ready cases at random, so a chunk can win
			// over a cancel that is already in effect.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !ok {
				return nil, errors.New("backend stream closed without a result")
			}
			if c.Done {
				return c.Response, c.Err
			}
			r.onFragment(ctx, c.Text)
		}
	}
}

func (r *run) onFragment(ctx context.Context, text string) {
	display, thinking := r.splitter.Feed(text)
	r.tokenCount++
	r.tps = throughput(r.tokenCount, r.o.now().Sub(r.startedAt))

	r.o.deps.Buffer.Push(r.aiMsg.ID, r.update())

	if display == "" && thinking == "" {
		return
	}
	r.send(ctx, transport.EventChunk, transport.Chunk{
		MessageID:  r.aiMsg.ID,
		Chunk:      display,
		FullText:   r.splitter.Display(),
		Thinking:   thinking,
		TPS:        r.tps,
		TokenCount: r.tokenCount,
	})
}

func (r *run) update() persist.Update {
	u := persist.Update{
		Content:    r.splitter.Display(),
		TokenCount: r.tokenCount,
		TPS:        r.tps,
		StartedAt:  r.startedAt,
	}
	if th := r.splitter.Thinking(); th != "" {
		u.Extra = map[string]any{"thinking": th}
	}
	return u
}

// throughput is fragments per second of wall time since the first byte was requested.
func throughput(tokens int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(tokens) / elapsed.Seconds()
}

// finalize flushes, runs the after-generate stage, announces completion and
// marks the message completed.
func (r *run) finalize(ctx context.Context, resp *llm.ChatResponse) error {
	o := r.o
	o.deps.Streams.CleanupWithTimeout(r.streamID, o.cfg.ForceCleanupGrace)

	if display, thinking := r.splitter.Close(); display != "" || thinking != "" {
		r.send(ctx, transport.EventChunk, transport.Chunk{
			MessageID:  r.aiMsg.ID,
			Chunk:      display,
			FullText:   r.splitter.Display(),
			Thinking:   thinking,
			TPS:        r.tps,
			TokenCount: r.tokenCount,
		})
	}

	elapsed := o.now().Sub(r.startedAt)
	r.tps = throughput(r.tokenCount, elapsed)
	o.deps.Buffer.Push(r.aiMsg.ID, r.update())
	if err := o.deps.Buffer.Flush(ctx, r.aiMsg.ID); err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The streamed content stays in memory and is written again below.
		r.log.Warn().Err(err).Msg("final flush failed")
	}

	completion := &Completion{
		Context:    r.gen,
		Content:    r.splitter.Display(),
		Thinking:   r.splitter.Thinking(),
		TokenCount: r.tokenCount,
		TPS:        r.tps,
		Elapsed:    elapsed,
		Response:   resp,
	}
	streamed := completion.Content

	out, err := o.deps.Hooks.RunFilters(ctx, hooks.LLMAfterGenerate, completion)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.log.Warn().Str("hook", string(hooks.LLMAfterGenerate)).Err(err).Msg("after-generate filter blocked, keeping streamed answer")
	}
	if c, ok := out.(*Completion); ok && c != nil {
		completion = c
	}

	msg, err := r.saveFinal(ctx, completion, completion.Content != streamed)
	if err != nil {
		return err
	}

	o.deps.Hooks.RunActions(ctx, hooks.LLMAfterGenerate, completion)

	r.send(ctx, transport.EventComplete, transport.Complete{FinalMessage: transport.FinalMessage{
		ID:         msg.ID,
		ChatID:     msg.ConversationID,
		Role:       msg.Role,
		Content:    msg.Content,
		Thinking:   completion.Thinking,
		Model:      r.gen.Model.ID,
		TokenCount: msg.TokenCount,
		TPS:        msg.TPS,
		ElapsedMS:  completion.Elapsed.Milliseconds(),
		Meta:       msg.Meta,
	}})

	if err := o.deps.Store.SetMessageStatus(ctx, r.aiMsg.ID, data.StatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// saveFinal re-reads the message and writes the final content when a
// filter rewrote it, a flush failed, or meta needs recording.
func (r *run) saveFinal(ctx context.Context, c *Completion, rewritten bool) (*data.Message, error) {
	store := r.o.deps.Store
	msg, err := store.FindMessage(ctx, r.aiMsg.ID)
	if err != nil {
		return nil, fmt.Errorf("reload message: %w", err)
	}

	extra := map[string]any{}
	for k, v := range r.gen.Meta {
		extra[k] = v
	}
	if c.Thinking != "" {
		extra["thinking"] = c.Thinking
	}
	if rewritten {
		extra["rewritten"] = true
	}
	if c.Response != nil && c.Response.TokensUsed > 0 {
		extra["prompt_tokens"] = c.Response.PromptTokens
		extra["completion_tokens"] = c.Response.CompletionTokens
	}

	stale := msg.Content != c.Content || msg.TokenCount != c.TokenCount
	if !stale && len(extra) == 0 {
		return msg, nil
	}

	msg.Content = c.Content
	msg.TokenCount = c.TokenCount
	msg.TPS = c.TPS
	msg.Meta = data.MergeMeta(msg.Meta, extra)
	if err := store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save final message: %w", err)
	}
	return msg, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TERMINATION
// ═══════════════════════════════════════════════════════════════════════════════

// fail emits the error event, records the failure and tears the stream down.
// Once fragments have been produced the buffered answer is flushed, so the
// failed message keeps everything the peer has already seen.
func (r *run) fail(ctx context.Context, code string, cause error) error {
	o := r.o
	reached := r.sm.state
	if err := r.sm.to(StateErrored); err != nil {
		r.log.Error().Err(err).Msg("fail from terminal state")
	}
	metrics.GenerationsTotal.WithLabelValues("failed").Inc()

	event := transport.Error{Error: "Generation failed", Details: cause.Error(), Code: code}
	if be, ok := hooks.AsBlocking(cause); ok {
		event.Error = be.Message
		event.Details = ""
	}
	r.log.Warn().Str("code", code).Err(cause).Msg("generation failed")

	sendCtx, cancel := logging.DetachContextWithTimeout(ctx, o.cfg.CleanupTimeout)
	defer cancel()
	r.send(sendCtx, transport.EventError, event)

	if r.aiMsg != nil {
		if reached >= StateGenerating {
			if err := o.deps.Buffer.Flush(sendCtx, r.aiMsg.ID); err != nil {
				r.log.Warn().Err(err).Msg("flush partial answer")
			}
		} else {
			o.deps.Buffer.Release(r.aiMsg.ID)
		}
		r.discardOr(sendCtx, data.StatusFailed)
	}

	r.teardown()
	return cause
}

// interrupted handles cancel and disconnect. Nothing is flushed: writes the
// buffer had already scheduled finish, and what they stored is the durable
// record.
func (r *run) interrupted(ctx context.Context) error {
	o := r.o
	if err := r.sm.to(StateErrored); err != nil {
		r.log.Error().Err(err).Msg("interrupt from terminal state")
	}
	metrics.GenerationsTotal.WithLabelValues("interrupted").Inc()
	r.log.Info().Int("tokens", r.tokenCount).Msg("generation interrupted")

	if r.aiMsg != nil {
		o.deps.Buffer.Release(r.aiMsg.ID)
		cleanupCtx, cancel := logging.DetachContextWithTimeout(ctx, o.cfg.CleanupTimeout)
		r.discardOr(cleanupCtx, data.StatusCompleted)
		cancel()
	}

	r.teardown()
	return ErrInterrupted
}

// discardOr deletes the assistant placeholder if nothing was written to it,
// otherwise sets status. Failures are logged.
func (r *run) discardOr(ctx context.Context, status data.Status) {
	store := r.o.deps.Store
	msg, err := store.FindMessage(ctx, r.aiMsg.ID)
	if err != nil {
		r.log.Warn().Err(err).Msg("reload placeholder")
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		if err := store.DeleteMessage(ctx, msg.ID); err != nil {
			r.log.Warn().Err(err).Msg("delete empty placeholder")
		}
		return
	}
	if err := store.SetMessageStatus(ctx, msg.ID, status); err != nil {
		r.log.Warn().Err(err).Str("status", string(status)).Msg("update message status")
	}
}

// teardown releases the stream, or ends the bare transport if the stream
// was never registered.
func (r *run) teardown() {
	if r.streamID != "" {
		r.o.deps.Streams.Cleanup(r.streamID)
		return
	}
	if err := r.t.End(); err != nil {
		r.log.Debug().Err(err).Msg("end transport")
	}
}

// send delivers an event. Delivery failures are logged only: a vanished
// peer is handled through the disconnect callback.
func (r *run) send(ctx context.Context, name transport.EventName, payload any) {
	if !r.t.Open() {
		return
	}
	if err := r.t.Send(ctx, transport.Event{Name: name, Payload: payload}); err != nil {
		r.log.Debug().Str("event", string(name)).Err(err).Msg("send event")
	}
}
