// Package server exposes the orchestrator over HTTP. Generations stream
// either as server-sent events on the POST response or as frames on a
// shared websocket connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexstream/internal/config"
	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/orchestrator"
	"github.com/normanking/cortexstream/internal/streams"
	"github.com/normanking/cortexstream/internal/transport"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// Store is the slice of the data layer the HTTP handlers read and write.
type Store interface {
	CreateConversation(ctx context.Context, c *data.Conversation) error
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*data.Message, error)
	Health(ctx context.Context) error
}

// Generator runs and cancels generations. *orchestrator.Orchestrator
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req orchestrator.Request, t transport.Transport) error
	Cancel(streamID string) bool
	Streams() *streams.Registry
	Models() []orchestrator.ModelSpec
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store     Store
	Generator Generator
	Hooks     *hooks.Registry
}

// Server represents the HTTP server.
type Server struct {
	deps       Deps
	cfg        config.ServerConfig
	gen        config.GenerationConfig
	httpServer *http.Server
	upgrader   websocket.Upgrader
	cron       *cron.Cron
	startTime  time.Time
	logger     zerolog.Logger

	// base parents every websocket connection; Shutdown cancels it because
	// http.Server.Shutdown does not track hijacked connections.
	base    context.Context
	stop    context.CancelFunc
	sockets sync.WaitGroup
}

// New creates a new HTTP server and schedules the stale stream sweeper.
func New(deps Deps, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if deps.Store == nil || deps.Generator == nil {
		return nil, errors.New("server: store and generator are required")
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewRegistryWithLogger(logger)
	}

	s := &Server{
		deps:      deps,
		cfg:       cfg.Server,
		gen:       cfg.Generation,
		cron:      cron.New(),
		startTime: time.Now(),
		logger:    logger.With().Str("component", "server").Logger(),
	}
	s.base, s.stop = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	if spec := cfg.Generation.SweepSchedule; spec != "" {
		if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
			return nil, fmt.Errorf("schedule stream sweep %q: %w", spec, err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/models", s.modelsHandler)
	mux.HandleFunc("POST /api/chats", s.createChatHandler)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.listMessagesHandler)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.generateHandler)
	mux.HandleFunc("POST /api/streams/{id}/cancel", s.cancelHandler)
	mux.HandleFunc("GET /ws", s.websocketHandler)

	// No WriteTimeout: generation responses stay open for as long as the
	// model keeps producing.
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the sweeper and serves until Shutdown.
func (s *Server) Start() error {
	s.cron.Start()
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the sweeper, interrupts every active generation and then
// drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}

	active := s.deps.Generator.Streams()
	s.logger.Info().Int("streams", active.Count()).Msg("shutting down")
	active.CloseAll()
	s.stop()

	err := s.httpServer.Shutdown(ctx)

	waited := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}
	return err
}

func (s *Server) sweep() {
	if n := s.deps.Generator.Streams().Sweep(s.gen.MaxStreamAge, s.gen.ForceCleanupGrace); n > 0 {
		s.logger.Warn().Int("streams", n).Dur("max_age", s.gen.MaxStreamAge).Msg("scheduled cleanup of stale streams")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Streams   int    `json:"streams"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Streams:   s.deps.Generator.Streams().Count(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.deps.Store.Health(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) modelsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Generator.Models()})
}

// CreateChatRequest is the optional body of POST /api/chats.
type CreateChatRequest struct {
	Title       string `json:"title,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (s *Server) createChatHandler(w http.ResponseWriter, r *http.Request) {
	var body CreateChatRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, err.Error())
		return
	}

	conv := &data.Conversation{
		UserID:      s.userID(r),
		WorkspaceID: body.WorkspaceID,
		Title:       body.Title,
	}
	if err := s.deps.Store.CreateConversation(r.Context(), conv); err != nil {
		s.logger.Error().Err(err).Msg("create conversation")
		writeError(w, http.StatusInternalServerError, orchestrator.CodeStorageFailed, "could not create chat")
		return
	}

	s.deps.Hooks.RunActions(r.Context(), hooks.APISessionCreated, hooks.SessionEvent{
		ChatID:      conv.ID,
		UserID:      conv.UserID,
		WorkspaceID: conv.WorkspaceID,
		CreatedAt:   conv.CreatedAt,
	})

	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if !s.conversationExists(w, r, chatID) {
		return
	}

	msgs, err := s.deps.Store.ListMessages(r.Context(), chatID)
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", chatID).Msg("list messages")
		writeError(w, http.StatusInternalServerError, orchestrator.CodeStorageFailed, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []*data.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// SendMessageRequest is the body of POST /api/chats/{id}/messages.
type SendMessageRequest struct {
	Content     string   `json:"content"`
	Model       string   `json:"model,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	NoThink     bool     `json:"noThink,omitempty"`
}

func (s *Server) generateHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	var body SendMessageRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, "content is required")
		return
	}
	if !s.conversationExists(w, r, chatID) {
		return
	}

	sse, err := transport.NewSSE(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, orchestrator.CodeGenerationFailed, err.Error())
		return
	}

	req := orchestrator.Request{
		ChatID:      chatID,
		UserID:      s.userID(r),
		Content:     body.Content,
		Attachments: body.Attachments,
		Model:       body.Model,
		NoThink:     body.NoThink,
	}
	if err := s.deps.Generator.Generate(r.Context(), req, sse); err != nil {
		s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("generation ended with error")
	}
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Generator.Cancel(id) {
		writeError(w, http.StatusNotFound, "not_found", "no active stream "+id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"streamId": id, "cancelled": true})
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.sockets.Add(1)
	defer s.sockets.Done()

	conn := transport.NewConn(ws)
	userID := s.userID(r)
	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	var running sync.WaitGroup
	s.logger.Debug().Str("user_id", userID).Msg("websocket connected")

	conn.ReadLoop(ctx, func(f transport.Frame, err error) {
		if err != nil {
			s.sendFrameError(ctx, conn, orchestrator.CodeInvalidRequest, err.Error())
			return
		}
		switch f.Type {
		case "message":
			req := orchestrator.Request{
				ChatID:      f.ChatID,
				UserID:      userID,
				Content:     f.Content,
				Attachments: f.Attachments,
				Model:       f.Model,
				NoThink:     f.NoThink,
			}
			running.Go(func() {
				if err := s.deps.Generator.Generate(ctx, req, conn.Stream("")); err != nil {
					s.logger.Debug().Err(err).Str("chat_id", req.ChatID).Msg("generation ended with error")
				}
			})
		case "cancel":
			if !s.deps.Generator.Cancel(f.StreamID) {
				s.sendFrameError(ctx, conn, orchestrator.CodeInvalidRequest, "no active stream "+f.StreamID)
			}
		default:
			s.sendFrameError(ctx, conn, orchestrator.CodeInvalidRequest, fmt.Sprintf("unknown frame type %q", f.Type))
		}
	})

	// The read loop only returns once the peer is gone; disconnect
	// listeners have already interrupted whatever was still streaming.
	cancel()
	running.Wait()
	s.logger.Debug().Str("user_id", userID).Msg("websocket closed")
}

func (s *Server) sendFrameError(ctx context.Context, conn *transport.Conn, code, msg string) {
	err := conn.Stream("").Send(ctx, transport.Event{
		Name:    transport.EventError,
		Payload: transport.Error{Error: msg, Code: code},
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("write error frame")
	}
}

// ───────────────────────────────────────────────────────────────────────────────
// HELPERS
// ───────────────────────────────────────────────────────────────────────────────

func (s *Server) userID(r *http.Request) string {
	if s.cfg.UserHeader == "" {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(s.cfg.UserHeader))
}

func (s *Server) conversationExists(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.deps.Store.GetConversation(r.Context(), id); err != nil {
		if data.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "chat not found")
			return false
		}
		s.logger.Error().Err(err).Str("chat_id", id).Msg("load conversation")
		writeError(w, http.StatusInternalServerError, orchestrator.CodeStorageFailed, "could not load chat")
		return false
	}
	return true
}

// originChecker allows the listed origins. No list falls back to the
// websocket package's same-origin check; "*" allows any origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
