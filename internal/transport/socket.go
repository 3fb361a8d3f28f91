package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the largest client frame accepted.
	MaxMessageSize = 64 * 1024
)

// Frame is a message received from a websocket client.
type Frame struct {
	Type        string   `json:"type"`
	ChatID      string   `json:"chatId,omitempty"`
	Content     string   `json:"content,omitempty"`
	Model       string   `json:"model,omitempty"`
	StreamID    string   `json:"streamId,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	NoThink     bool     `json:"noThink,omitempty"`
}

// wireEvent is how an Event is framed on a websocket.
type wireEvent struct {
	Type     EventName `json:"type"`
	StreamID string    `json:"streamId,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// Conn is a websocket connection shared by every generation a client starts
// on it. Writes are serialized; disconnect listeners fire once.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	listeners map[int]func()
	nextID    int
	done      chan struct{}
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:        ws,
		listeners: make(map[int]func()),
		done:      make(chan struct{}),
	}
}

// ReadLoop reads client frames until the connection fails or ctx ends, then
// marks the connection closed and fires disconnect listeners. Malformed
// frames are reported through handle's error argument and do not stop the loop.
func (c *Conn) ReadLoop(ctx context.Context, handle func(Frame, error)) {
	defer c.Close()

	c.ws.SetReadLimit(MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	go c.keepAlive(ctx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			handle(Frame{}, fmt.Errorf("decode frame: %w", err))
			continue
		}
		handle(f, nil)
	}
}

func (c *Conn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		}
	}
}

// WriteJSON writes v as a single text frame.
func (c *Conn) WriteJSON(v any) error {
	if !c.Open() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Open reports whether the connection is still usable.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close closes the connection and fires disconnect listeners once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listeners = nil
	close(c.done)
	c.mu.Unlock()

	c.ws.Close()
	for _, fn := range listeners {
		fn()
	}
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) addListener(fn func()) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.nextID++
	c.listeners[c.nextID] = fn
	return c.nextID, true
}

func (c *Conn) removeListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// Stream returns a Transport for one generation on this connection. Ending
// it sends the done sentinel but leaves the connection open for the next one.
func (c *Conn) Stream(streamID string) *Socket {
	return &Socket{conn: c, streamID: streamID}
}

// Socket is the per-generation view of a Conn.
type Socket struct {
	conn *Conn

	mu        sync.Mutex
	streamID  string
	ended     bool
	listeners []int
}

// SetStreamID changes the id stamped on outgoing frames.
func (s *Socket) SetStreamID(id string) {
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
}

// Send writes one event frame tagged with the stream id.
func (s *Socket) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	ended, id := s.ended, s.streamID
	s.mu.Unlock()
	if ended {
		return ErrClosed
	}
	return s.conn.WriteJSON(wireEvent{Type: ev.Name, StreamID: id, Data: ev.Payload})
}

// End sends the done sentinel and detaches this stream's listeners.
func (s *Socket) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	listeners := s.listeners
	s.listeners = nil
	id := s.streamID
	s.mu.Unlock()

	for _, l := range listeners {
		s.conn.removeListener(l)
	}
	if !s.conn.Open() {
		return nil
	}
	return s.conn.WriteJSON(wireEvent{Type: EventDone, StreamID: id, Data: Done{StreamID: id}})
}

// OnDisconnect registers fn to run if the underlying connection drops.
func (s *Socket) OnDisconnect(fn func()) {
	id, ok := s.conn.addListener(fn)
	if !ok {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, id)
	s.mu.Unlock()
}

// Open reports whether this stream can still deliver events.
func (s *Socket) Open() bool {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	return !ended && s.conn.Open()
}
