package plugins

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/metrics"
	"github.com/normanking/cortexstream/internal/orchestrator"
)

// UsagePriority runs late so earlier actions (quota accounting) settle first.
const UsagePriority = 50

// Sink receives usage events.
type Sink interface {
	Publish(ctx context.Context, values map[string]any) error
}

// RedisSink appends events to a redis stream with XADD.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// RedisOptions configures NewRedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen approximately caps the stream. Zero leaves it unbounded.
	MaxLen int64
}

// NewRedisSink connects and pings redis.
func NewRedisSink(opts RedisOptions) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSink{rdb: rdb, stream: opts.Stream, maxLen: opts.MaxLen}, nil
}

// Publish XADDs values to the stream.
func (s *RedisSink) Publish(ctx context.Context, values map[string]any) error {
	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

// UsageRecorder counts generations, sessions and rejections, and forwards
// them to a Sink when one is configured.
type UsageRecorder struct {
	sink   Sink
	now    func() time.Time
	logger zerolog.Logger
}

// NewUsageRecorder creates a recorder. sink may be nil.
func NewUsageRecorder(sink Sink, now func() time.Time) *UsageRecorder {
	if now == nil {
		now = time.Now
	}
	return &UsageRecorder{sink: sink, now: now, logger: log.Logger}
}

func (u *UsageRecorder) publish(ctx context.Context, event string, values map[string]any) error {
	metrics.UsageEvents.WithLabelValues(event).Inc()
	if u.sink == nil {
		return nil
	}
	values["event"] = event
	values["ts"] = strconv.FormatInt(u.now().UnixMilli(), 10)
	if err := u.sink.Publish(ctx, values); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Generation is bound to LLM_AFTER_GENERATE.
func (u *UsageRecorder) Generation(ctx context.Context, c *orchestrator.Completion) error {
	values := map[string]any{
		"tokens":     c.TokenCount,
		"tps":        strconv.FormatFloat(c.TPS, 'f', 2, 64),
		"elapsed_ms": c.Elapsed.Milliseconds(),
	}
	if g := c.Context; g != nil {
		values["chat_id"] = g.ChatID
		values["user_id"] = g.UserID
		values["message_id"] = g.AIMessageID
		values["model"] = g.Model.ID
		if g.Decision != nil {
			values["tier"] = string(g.Decision.Tier)
		}
	}
	if r := c.Response; r != nil {
		values["prompt_tokens"] = r.PromptTokens
		values["completion_tokens"] = r.CompletionTokens
	}
	return u.publish(ctx, "generation", values)
}

// Session is bound to API_SESSION_CREATED.
func (u *UsageRecorder) Session(ctx context.Context, ev hooks.SessionEvent) error {
	return u.publish(ctx, "session", map[string]any{
		"chat_id":      ev.ChatID,
		"user_id":      ev.UserID,
		"workspace_id": ev.WorkspaceID,
	})
}

// RateLimited is bound to RATE_LIMIT_EXCEEDED.
func (u *UsageRecorder) RateLimited(ctx context.Context, ev hooks.RateLimitEvent) error {
	u.logger.Info().Str("user_id", ev.UserID).Dur("retry_after", ev.RetryAfter).Msg("rate limit exceeded")
	return u.publish(ctx, "rate_limited", map[string]any{
		"chat_id":        ev.ChatID,
		"user_id":        ev.UserID,
		"retry_after_ms": ev.RetryAfter.Milliseconds(),
	})
}

// Register binds the recorder's actions.
func (u *UsageRecorder) Register(reg *hooks.Registry) []string {
	owner := hooks.Owner("usage")
	return []string{
		reg.AddAction(hooks.LLMAfterGenerate, UsagePriority, hooks.Action(u.Generation), owner),
		reg.AddAction(hooks.APISessionCreated, UsagePriority, hooks.Action(u.Session), owner),
		reg.AddAction(hooks.RateLimitExceeded, UsagePriority, hooks.Action(u.RateLimited), owner),
	}
}
