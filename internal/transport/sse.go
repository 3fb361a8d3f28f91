package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSE streams events over an HTTP response as text/event-stream. It is the
// one-way byte-stream flavour: the only signal back from the peer is the
// request context ending.
type SSE struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	streamID string

	mu        sync.Mutex
	ended     bool
	listeners []func()
	done      chan struct{}
}

// NewSSE prepares w for event streaming and watches r for client disconnects.
func NewSSE(w http.ResponseWriter, r *http.Request) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &SSE{w: w, flusher: flusher, done: make(chan struct{})}
	go s.watch(r.Context())
	return s, nil
}

// SetStreamID tags the terminal sentinel with the stream id.
func (s *SSE) SetStreamID(id string) {
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
}

func (s *SSE) watch(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return
		}
		s.ended = true
		listeners := s.listeners
		s.listeners = nil
		close(s.done)
		s.mu.Unlock()

		for _, fn := range listeners {
			fn()
		}
	}
}

// Send writes one event frame and flushes it.
func (s *SSE) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrClosed
	}
	return s.writeLocked(ev)
}

func (s *SSE) writeLocked(ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, payload); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Name, err)
	}
	s.flusher.Flush()
	return nil
}

// End writes the done sentinel and stops accepting events.
func (s *SSE) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	s.listeners = nil
	err := s.writeLocked(Event{Name: EventDone, Payload: Done{StreamID: s.streamID}})
	close(s.done)
	return err
}

// OnDisconnect registers fn for a client that goes away before End.
func (s *SSE) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.listeners = append(s.listeners, fn)
	}
}

// Open reports whether the stream is still writable.
func (s *SSE) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// Done is closed once the stream ended for any reason.
func (s *SSE) Done() <-chan struct{} { return s.done }
