// Package hooks is the extension seam of the generation pipeline. Plugins
// register filters and actions against named hooks; the orchestrator runs
// them without knowing who is listening.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/metrics"
)

// Name identifies an extension point. The string values are what plugins bind to.
type Name string

const (
	// LLMBeforeGenerate runs as a filter over the *GenerationContext before the
	// model is called. Filters may rewrite history or return a blocking error.
	LLMBeforeGenerate Name = "LLM_BEFORE_GENERATE"

	// LLMAfterGenerate runs filters (may rewrite the final text) and then
	// actions (usage recording) once the model finishes.
	LLMAfterGenerate Name = "LLM_AFTER_GENERATE"

	// APISessionCreated is an action fired when a chat session is opened.
	APISessionCreated Name = "API_SESSION_CREATED"

	// RateLimitExceeded is an action fired when a request is rejected for rate.
	RateLimitExceeded Name = "RATE_LIMIT_EXCEEDED"
)

// Kind distinguishes filters from actions.
type Kind int

const (
	KindFilter Kind = iota
	KindAction
)

func (k Kind) String() string {
	if k == KindAction {
		return "action"
	}
	return "filter"
}

// FilterFunc transforms a payload. Returning a nil payload keeps the previous one.
type FilterFunc func(ctx context.Context, payload any) (any, error)

// ActionFunc observes a payload. Its error is logged and otherwise ignored.
type ActionFunc func(ctx context.Context, payload any) error

// Registration is a single hook binding.
type Registration struct {
	ID       string
	Hook     Name
	Priority int
	Kind     Kind
	Owner    string

	seq    uint64
	filter FilterFunc
	action ActionFunc
}

// Option configures a registration.
type Option func(*Registration)

// Owner tags a registration with the plugin that made it, for logs and RemoveOwner.
func Owner(name string) Option {
	return func(r *Registration) { r.Owner = name }
}

// table is never mutated after it is published.
type table map[Name][]*Registration

// Registry holds hook registrations. Reads take an immutable snapshot and
// never lock; writes are serialized and publish a fresh copy.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[table]
	seq      uint64
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry logging through the global logger.
func NewRegistry() *Registry {
	return NewRegistryWithLogger(log.Logger)
}

// NewRegistryWithLogger creates an empty registry with its own logger.
func NewRegistryWithLogger(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger.With().Str("component", "hooks").Logger()}
	empty := table{}
	r.snapshot.Store(&empty)
	return r
}

// AddFilter registers a filter and returns its registration id.
func (r *Registry) AddFilter(hook Name, priority int, fn FilterFunc, opts ...Option) string {
	return r.add(&Registration{Hook: hook, Priority: priority, Kind: KindFilter, filter: fn}, opts)
}

// AddAction registers an action and returns its registration id.
func (r *Registry) AddAction(hook Name, priority int, fn ActionFunc, opts ...Option) string {
	return r.add(&Registration{Hook: hook, Priority: priority, Kind: KindAction, action: fn}, opts)
}

func (r *Registry) add(reg *Registration, opts []Option) string {
	for _, opt := range opts {
		opt(reg)
	}
	reg.ID = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	reg.seq = r.seq

	next := r.cloneLocked()
	list := append(next[reg.Hook], reg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	next[reg.Hook] = list
	r.snapshot.Store(&next)

	r.logger.Debug().
		Str("hook", string(reg.Hook)).
		Str("kind", reg.Kind.String()).
		Int("priority", reg.Priority).
		Str("owner", reg.Owner).
		Msg("hook registered")

	return reg.ID
}

// Remove deletes a registration by id. It reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	return r.removeWhere(func(reg *Registration) bool { return reg.ID == id }) > 0
}

// RemoveOwner deletes every registration tagged with owner and returns how many.
func (r *Registry) RemoveOwner(owner string) int {
	return r.removeWhere(func(reg *Registration) bool { return reg.Owner == owner })
}

func (r *Registry) removeWhere(match func(*Registration) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	next := table{}
	for name, list := range *r.snapshot.Load() {
		kept := make([]*Registration, 0, len(list))
		for _, reg := range list {
			if match(reg) {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) > 0 {
			next[name] = kept
		}
	}
	if removed > 0 {
		r.snapshot.Store(&next)
	}
	return removed
}

// cloneLocked copies the current table; the slices are copied so that
// published snapshots are never appended to.
func (r *Registry) cloneLocked() table {
	cur := *r.snapshot.Load()
	next := make(table, len(cur)+1)
	for name, list := range cur {
		next[name] = append([]*Registration(nil), list...)
	}
	return next
}

// Registrations returns a copy of the bindings for hook in execution order.
func (r *Registry) Registrations(hook Name) []Registration {
	list := (*r.snapshot.Load())[hook]
	out := make([]Registration, len(list))
	for i, reg := range list {
		out[i] = *reg
	}
	return out
}

// Has reports whether any callback of kind is bound to hook.
func (r *Registry) Has(hook Name, kind Kind) bool {
	for _, reg := range (*r.snapshot.Load())[hook] {
		if reg.Kind == kind {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// RunFilters feeds payload through every filter bound to hook in priority
// order. A failing filter is logged and skipped, keeping the last good
// payload. A BlockingError stops the chain and is returned with the payload
// as it stood before the blocking filter.
func (r *Registry) RunFilters(ctx context.Context, hook Name, payload any) (any, error) {
	current := payload
	for _, reg := range (*r.snapshot.Load())[hook] {
		if reg.Kind != KindFilter {
			continue
		}
		if err := ctx.Err(); err != nil {
			return current, err
		}

		out, err := r.callFilter(ctx, reg, current)
		if err != nil {
			if IsBlocking(err) {
				metrics.HookErrors.WithLabelValues(string(hook), "blocking").Inc()
				r.logger.Info().
					Str("hook", string(hook)).
					Str("owner", reg.Owner).
					Err(err).
					Msg("filter blocked pipeline")
				return current, err
			}
			metrics.HookErrors.WithLabelValues(string(hook), "filter").Inc()
			r.logger.Warn().
				Str("hook", string(hook)).
				Str("owner", reg.Owner).
				Int("priority", reg.Priority).
				Err(err).
				Msg("filter failed, continuing with previous payload")
			continue
		}
		if out != nil {
			current = out
		}
	}
	return current, nil
}

// RunActions calls every action bound to hook. Failures never propagate.
func (r *Registry) RunActions(ctx context.Context, hook Name, payload any) {
	for _, reg := range (*r.snapshot.Load())[hook] {
		if reg.Kind != KindAction {
			continue
		}
		if err := r.callAction(ctx, reg, payload); err != nil {
			metrics.HookErrors.WithLabelValues(string(hook), "action").Inc()
			r.logger.Warn().
				Str("hook", string(hook)).
				Str("owner", reg.Owner).
				Err(err).
				Msg("action failed")
		}
	}
}

func (r *Registry) callFilter(ctx context.Context, reg *Registration, payload any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("filter panicked: %v", p)
		}
	}()
	return reg.filter(ctx, payload)
}

func (r *Registry) callAction(ctx context.Context, reg *Registration, payload any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panicked: %v", p)
		}
	}()
	return reg.action(ctx, payload)
}

// ═══════════════════════════════════════════════════════════════════════════════
// TYPED ADAPTERS
// ═══════════════════════════════════════════════════════════════════════════════

// Filter adapts a typed filter. Payloads of another type pass through untouched.
func Filter[T any](fn func(ctx context.Context, payload T) (T, error)) FilterFunc {
	return func(ctx context.Context, payload any) (any, error) {
		typed, ok := payload.(T)
		if !ok {
			return nil, nil
		}
		out, err := fn(ctx, typed)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Action adapts a typed action. Payloads of another type are ignored.
func Action[T any](fn func(ctx context.Context, payload T) error) ActionFunc {
	return func(ctx context.Context, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return nil
		}
		return fn(ctx, typed)
	}
}
