// Package mock provides test doubles for the live package interfaces.
//
// Use Transport to verify Open calls and hand out controllable connections.
// Use Conn to script inbound events with Emit and to inspect the chunks a
// session sent.
//
// Example:
//
//	tr := &mock.Transport{}
//	conn, _ := tr.Open(ctx, cfg)
//	tr.LastConn().Emit(live.Event{Type: live.EventOpened})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/omnisuite/pkg/provider/live"
)

// ErrClosed is returned by Conn.SendInput after Close or a terminal event.
var ErrClosed = errors.New("mock: conn closed")

const eventBuffer = 256

// OpenCall records a single invocation of Transport.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Transport is a mock implementation of live.Transport.
type Transport struct {
	mu sync.Mutex

	// Conn is returned by Open. If nil, every Open returns a fresh Conn.
	Conn *Conn

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// Gate, if non-nil, makes Open block until Gate is closed or ctx ends.
	Gate chan struct{}

	openCalls []OpenCall
	conns     []*Conn
}

// Open records the call and returns Conn (or a fresh Conn) and OpenErr.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Conn, error) {
	t.mu.Lock()
	t.openCalls = append(t.openCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	gate := t.Gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	c := t.Conn
	if c == nil {
		c = NewConn()
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// OpenCalls returns a copy of the recorded Open calls.
func (t *Transport) OpenCalls() []OpenCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OpenCall, len(t.openCalls))
	copy(out, t.openCalls)
	return out
}

// CallCount returns the number of Open calls so far.
func (t *Transport) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.openCalls)
}

// LastConn returns the Conn handed out by the most recent successful Open,
// or nil.
func (t *Transport) LastConn() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Ensure Transport implements live.Transport at compile time.
var _ live.Transport = (*Transport)(nil)

// Conn is a mock implementation of live.Conn. Events are injected with Emit;
// a terminal event (EventClosed or EventError) or Close ends the stream.
type Conn struct {
	events chan live.Event
	closed chan struct{}

	mu         sync.Mutex
	finished   bool
	closeCount int
	sent       []live.Chunk

	// SendErr, if non-nil, is returned by every SendInput call.
	SendErr error
}

// NewConn returns a Conn with a buffered event stream.
func NewConn() *Conn {
	return &Conn{
		events: make(chan live.Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Emit delivers ev to the consumer. It reports false if the stream already
// ended. Terminal events close the stream after delivery.
func (c *Conn) Emit(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.events <- ev
	if ev.Type == live.EventClosed || ev.Type == live.EventError {
		c.finished = true
		close(c.events)
	}
	return true
}

// EmitMessage is shorthand for emitting an EventMessage carrying m.
func (c *Conn) EmitMessage(m live.Message) bool {
	return c.Emit(live.Event{Type: live.EventMessage, Message: &m})
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// SendInput records chunk and returns SendErr.
func (c *Conn) SendInput(chunk live.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCount > 0 || c.finished {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Close ends the event stream without a terminal event. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if c.closeCount == 1 {
		close(c.closed)
	}
	if !c.finished {
		c.finished = true
		close(c.events)
	}
	return nil
}

// Sent returns a copy of the chunks passed to SendInput.
func (c *Conn) Sent() []live.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]live.Chunk, len(c.sent))
	copy(out, c.sent)
	return out
}

// CloseCount returns the number of Close calls.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Closed is closed on the first Close call.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Ensure Conn implements live.Conn at compile time.
var _ live.Conn = (*Conn)(nil)
