// Package streams tracks generations that are currently streaming to a peer.
// It owns each stream's transport and wires disconnects to cancellation.
package streams

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/metrics"
	"github.com/normanking/cortexstream/internal/transport"
)

// DefaultForceCleanupGrace is how long CleanupWithTimeout waits by default.
const DefaultForceCleanupGrace = 30 * time.Second

var (
	// ErrNotFound is returned for ids that are not registered.
	ErrNotFound = errors.New("stream not found")

	// ErrDuplicate is returned when registering an id twice.
	ErrDuplicate = errors.New("stream already registered")
)

// NewStreamID derives a stream id from a message id. The timestamp keeps ids
// unique across retries of the same message.
func NewStreamID(messageID string) string {
	return messageID + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// record is exclusively owned by the registry.
type record struct {
	id          string
	transport   transport.Transport
	startedAt   time.Time
	onInterrupt func()
	forceTimer  *time.Timer
}

// Info is a read-only view of a registered stream.
type Info struct {
	ID        string
	StartedAt time.Time
	Open      bool
}

// Registry is the set of active streams.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*record
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return NewRegistryWithLogger(log.Logger)
}

// NewRegistryWithLogger creates an empty registry with its own logger.
func NewRegistryWithLogger(logger zerolog.Logger) *Registry {
	return &Registry{
		streams: make(map[string]*record),
		logger:  logger.With().Str("component", "streams").Logger(),
	}
}

// Register starts tracking a stream. When the transport reports a disconnect
// the registry calls onInterrupt and then Cleanup.
func (r *Registry) Register(id string, t transport.Transport, onInterrupt func()) error {
	rec := &record{id: id, transport: t, startedAt: time.Now(), onInterrupt: onInterrupt}

	r.mu.Lock()
	if _, exists := r.streams[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.streams[id] = rec
	r.mu.Unlock()

	metrics.ActiveStreams.Inc()
	t.OnDisconnect(func() {
		r.logger.Debug().Str("stream_id", id).Msg("transport disconnected")
		r.Interrupt(id)
	})
	return nil
}

// Interrupt runs the stream's interrupt callback and then cleans it up. It
// is how both disconnects and explicit cancels end a stream.
func (r *Registry) Interrupt(id string) bool {
	r.mu.Lock()
	rec, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if rec.onInterrupt != nil {
		rec.onInterrupt()
	}
	r.Cleanup(id)
	return true
}

// Cleanup removes the stream and ends its transport. Unknown ids are a no-op.
func (r *Registry) Cleanup(id string) {
	rec := r.remove(id)
	if rec == nil {
		return
	}
	if err := rec.transport.End(); err != nil {
		r.logger.Debug().Str("stream_id", id).Err(err).Msg("end transport")
	}
}

// CleanupWithTimeout gives the stream timeout to finish on its own. If it
// is still registered and its transport still open afterwards, the done
// sentinel is written, the transport closed and the interrupt callback run.
// A non-positive timeout uses DefaultForceCleanupGrace.
func (r *Registry) CleanupWithTimeout(id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultForceCleanupGrace
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.streams[id]
	if !ok {
		return false
	}
	if rec.forceTimer != nil {
		return true
	}
	rec.forceTimer = time.AfterFunc(timeout, func() { r.force(id, rec) })
	return true
}

func (r *Registry) force(id string, scheduled *record) {
	r.mu.Lock()
	rec, ok := r.streams[id]
	r.mu.Unlock()
	if !ok || rec != scheduled {
		return
	}

	metrics.ForcedCleanups.Inc()
	r.logger.Warn().
		Str("stream_id", id).
		Dur("age", time.Since(rec.startedAt)).
		Bool("open", rec.transport.Open()).
		Msg("forcing stream cleanup")

	if rec.onInterrupt != nil {
		rec.onInterrupt()
	}
	r.Cleanup(id)
}

// Sweep schedules forced cleanup for every stream older than maxAge and
// returns how many were scheduled.
func (r *Registry) Sweep(maxAge, grace time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []string
	for id, rec := range r.streams {
		if rec.startedAt.Before(cutoff) && rec.forceTimer == nil {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.CleanupWithTimeout(id, grace)
	}
	return len(stale)
}

// CloseAll interrupts every registered stream. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Interrupt(id)
	}
}

// Count returns the number of registered streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Get returns a view of a registered stream.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	rec, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Info{ID: rec.id, StartedAt: rec.startedAt, Open: rec.transport.Open()}, nil
}

// List returns views of every registered stream.
func (r *Registry) List() []Info {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.streams))
	for _, rec := range r.streams {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	out := make([]Info, len(recs))
	for i, rec := range recs {
		out[i] = Info{ID: rec.id, StartedAt: rec.startedAt, Open: rec.transport.Open()}
	}
	return out
}

func (r *Registry) remove(id string) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.streams[id]
	if !ok {
		return nil
	}
	delete(r.streams, id)
	if rec.forceTimer != nil {
		rec.forceTimer.Stop()
	}
	metrics.ActiveStreams.Dec()
	return rec
}
