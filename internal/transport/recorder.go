package transport

import (
	"context"
	"sync"
)

// Recorder is an in-process Transport that keeps every event. It backs
// headless generations and tests.
type Recorder struct {
	mu        sync.Mutex
	events    []Event
	ended     int
	closed    bool
	listeners []func()
	notify    chan struct{}
}

// NewRecorder returns an open Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Send records ev.
func (r *Recorder) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.events = append(r.events, ev)
	r.signal()
	return nil
}

// End records the done sentinel once.
func (r *Recorder) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	if r.closed {
		return nil
	}
	r.closed = true
	r.listeners = nil
	r.events = append(r.events, Event{Name: EventDone, Payload: Done{}})
	r.signal()
	return nil
}

// OnDisconnect registers fn for Disconnect.
func (r *Recorder) OnDisconnect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.listeners = append(r.listeners, fn)
	}
}

// Open reports whether the recorder still accepts events.
func (r *Recorder) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// Disconnect simulates the peer going away.
func (r *Recorder) Disconnect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Events returns a copy of everything sent so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the names of recorded events in order.
func (r *Recorder) Names() []EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventName, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// EndCalls reports how many times End was called.
func (r *Recorder) EndCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Notify receives a value whenever an event is recorded.
func (r *Recorder) Notify() <-chan struct{} { return r.notify }

func (r *Recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
