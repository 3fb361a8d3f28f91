// Package persist sits between a streaming generation and the message store.
// It turns a burst of per-fragment updates into a bounded number of writes
// using a leading-edge throttle plus a trailing debounce, per message id.
//
// Per message id the lifecycle is idle -> streaming (first Push) -> flushed
// (Flush or Release), after which the entry is forgotten.
package persist

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/metrics"
)

// ErrGiveUp is wrapped into the error returned when every retry is exhausted.
var ErrGiveUp = errors.New("persist: giving up on message write")

// Store is the subset of the message store the buffer writes through.
type Store interface {
	FindMessage(ctx context.Context, id string) (*data.Message, error)
	SaveMessage(ctx context.Context, m *data.Message) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// Update is the latest streamed state of a message.
type Update struct {
	Content    string
	TokenCount int
	TPS        float64
	Extra      map[string]any
	StartedAt  time.Time
}

// Config tunes throttling and retries.
type Config struct {
	// Interval is both the throttle window and the debounce delay.
	Interval time.Duration

	// WarmupTokens: while TokenCount is below this, every push writes immediately.
	WarmupTokens int

	// MaxLockRetries bounds save attempts on lock contention.
	MaxLockRetries int

	// BaseDelay is the first backoff delay; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff delay.
	MaxDelay time.Duration

	// NotFoundRetries bounds retries when the message row is not visible yet.
	NotFoundRetries int

	// WriteTimeout bounds a single background write including retries.
	WriteTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        500 * time.Millisecond,
		WarmupTokens:    10,
		MaxLockRetries:  5,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		NotFoundRetries: 3,
		WriteTimeout:    15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.WarmupTokens < 0 {
		c.WarmupTokens = 0
	}
	if c.MaxLockRetries <= 0 {
		c.MaxLockRetries = d.MaxLockRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.NotFoundRetries < 0 {
		c.NotFoundRetries = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

type trigger string

const (
	triggerLeading  trigger = "leading"
	triggerTrailing trigger = "trailing"
	triggerFlush    trigger = "flush"
)

// entry is the per-message state. mu guards the fields; writeMu serializes
// the actual store writes so the timer and the fragment path never interleave.
// scheduled counts leading and trailing writes that were started before the
// entry was released; Flush and Release wait for them.
type entry struct {
	id string

	mu        sync.Mutex
	pending   *Update
	lastWrite time.Time
	timer     *time.Timer
	queued    bool
	released  bool

	writeMu   sync.Mutex
	scheduled sync.WaitGroup
}

// Buffer is the hybrid throttle/debounce writer.
type Buffer struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	wg sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the buffer's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

// New creates a Buffer writing through store.
func New(store Store, cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  log.Logger,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "persist").Logger()
	return b
}

// Config returns the effective configuration.
func (b *Buffer) Config() Config { return b.cfg }

// Push records the latest state for messageID. It writes immediately when the
// throttle window has elapsed or generation is still warming up, and always
// re-arms the trailing timer so the latest state is written after a pause.
func (b *Buffer) Push(messageID string, u Update) {
	e := b.getOrCreate(messageID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return
	}
	snapshot := u
	e.pending = &snapshot

	now := time.Now()
	leading := now.Sub(e.lastWrite) >= b.cfg.Interval || u.TokenCount < b.cfg.WarmupTokens

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(b.cfg.Interval, func() { b.fireTrailing(e) })

	if leading && !e.queued {
		e.queued = true
		b.wg.Add(1)
		e.scheduled.Add(1)
		go func() {
			defer b.wg.Done()
			defer e.scheduled.Done()
			b.background(e, triggerLeading)
		}()
	}
}

// Flush cancels the trailing timer and synchronously writes the latest
// pending state, if any. It waits for an in-flight write on the same message
// first, and returns only once no write for the message is outstanding. The
// entry is forgotten afterwards.
func (b *Buffer) Flush(ctx context.Context, messageID string) error {
	e := b.detach(messageID)
	if e == nil {
		return nil
	}
	err := b.write(ctx, e, triggerFlush)
	e.scheduled.Wait()
	return err
}

// Release forgets messageID without a final write. Writes that were already
// scheduled are allowed to finish and Release waits for them, so the caller
// sees everything the buffer will ever store for the message. No new write
// is started.
func (b *Buffer) Release(messageID string) {
	if e := b.detach(messageID); e != nil {
		e.scheduled.Wait()
	}
}

// Pending reports whether messageID currently has buffered state.
func (b *Buffer) Pending(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[messageID]
	return ok
}

// Len returns the number of messages currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close flushes every buffered message and waits for background writes.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := b.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

func (b *Buffer) getOrCreate(id string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		e = &entry{id: id}
		b.entries[id] = e
	}
	return e
}

// detach removes the entry and stops its timer. Timer callbacks that fire
// afterwards see released and do nothing.
func (b *Buffer) detach(id string) *entry {
	b.mu.Lock()
	e, ok := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.released = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	return e
}

func (b *Buffer) fireTrailing(e *entry) {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.scheduled.Add(1)
	e.mu.Unlock()

	defer e.scheduled.Done()
	b.background(e, triggerTrailing)
}

func (b *Buffer) background(e *entry, t trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()

	if err := b.write(ctx, e, t); err != nil {
		b.logger.Warn().
			Str("message_id", e.id).
			Str("trigger", string(t)).
			Err(err).
			Msg("buffered message write failed")
	}
}

func (b *Buffer) write(ctx context.Context, e *entry, t trigger) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	snapshot := e.pending
	if snapshot == nil {
		if t == triggerLeading {
			e.queued = false
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	err := b.persist(ctx, e.id, *snapshot)

	// The throttle window is measured from the last successful write. A
	// snapshot that was stored and not replaced since needs no further write.
	e.mu.Lock()
	if t == triggerLeading {
		e.queued = false
	}
	if err == nil {
		e.lastWrite = time.Now()
		if e.pending == snapshot {
			e.pending = nil
		}
	}
	e.mu.Unlock()

	if err != nil {
		metrics.PersistWrites.WithLabelValues(string(t), "failed").Inc()
		return err
	}
	metrics.PersistWrites.WithLabelValues(string(t), "ok").Inc()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RETRIES
// ═══════════════════════════════════════════════════════════════════════════════

// persist applies u to the stored message. A missing row is retried a few
// times because the placeholder insert may not be visible yet.
func (b *Buffer) persist(ctx context.Context, id string, u Update) error {
	var err error
	for attempt := 0; attempt <= b.cfg.NotFoundRetries; attempt++ {
		if attempt > 0 {
			metrics.PersistRetries.WithLabelValues("not_found").Inc()
			if serr := sleep(ctx, b.backoff(attempt-1)); serr != nil {
				return serr
			}
		}
		err = b.apply(ctx, id, u)
		if err == nil || !data.IsNotFound(err) {
			return err
		}
	}
	return fmt.Errorf("%w %s: %w", ErrGiveUp, id, err)
}

func (b *Buffer) apply(ctx context.Context, id string, u Update) error {
	m, err := b.store.FindMessage(ctx, id)
	if err != nil {
		return err
	}

	m.Content = u.Content
	m.TokenCount = u.TokenCount
	m.TPS = u.TPS
	m.Meta = data.MergeMeta(m.Meta, u.Extra)

	if err := b.save(ctx, m); err != nil {
		return err
	}

	if err := b.store.TouchConversation(ctx, m.ConversationID, time.Now()); err != nil {
		b.logger.Debug().Str("conversation_id", m.ConversationID).Err(err).Msg("touch conversation failed")
	}
	return nil
}

// save retries on lock contention with exponential backoff and jitter.
func (b *Buffer) save(ctx context.Context, m *data.Message) error {
	var err error
	for attempt := 0; attempt < b.cfg.MaxLockRetries; attempt++ {
		if attempt > 0 {
			metrics.PersistRetries.WithLabelValues("locked").Inc()
			if serr := sleep(ctx, b.backoff(attempt-1)); serr != nil {
				return serr
			}
		}
		err = b.store.SaveMessage(ctx, m)
		if err == nil || !data.IsLocked(err) {
			return err
		}
	}
	return fmt.Errorf("%w %s after %d attempts: %w", ErrGiveUp, m.ID, b.cfg.MaxLockRetries, err)
}

// backoff returns BaseDelay*2^attempt capped at MaxDelay, plus up to 50% jitter.
func (b *Buffer) backoff(attempt int) time.Duration {
	d := b.cfg.BaseDelay << attempt
	if d <= 0 || d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
