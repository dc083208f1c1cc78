// Package mock provides test doubles for the upstream package interfaces.
//
// Use Client to verify that the caller connects with the expected
// StreamConfig and to script dial failures. Use Conn to feed controlled
// events and inspect which audio chunks and control frames were delivered.
//
// Example:
//
//	client := &mock.Client{}
//	c, _ := client.Connect(ctx, cfg)
//	client.Conns()[0].Emit(upstream.Event{Kind: upstream.EventMetadata})
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/sttrelay/pkg/upstream"
)

// ConnectCall records a single invocation of Client.Connect.
type ConnectCall struct {
	// Cfg is the StreamConfig passed to Connect.
	Cfg upstream.StreamConfig
}

// Client is a mock implementation of upstream.Client. Each successful Connect
// returns a fresh Conn, recorded in order.
type Client struct {
	mu sync.Mutex

	// ConnectErrs is consumed one entry per Connect call; a non-nil entry is
	// returned as that call's error. Once exhausted, Connect succeeds.
	ConnectErrs []error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall

	conns []*Conn
}

// Connect records the call and returns the next scripted result.
func (c *Client) Connect(_ context.Context, cfg upstream.StreamConfig) (upstream.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Cfg: cfg})

	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	conn := NewConn()
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Conns returns all connections handed out so far, in creation order.
func (c *Client) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Conn, len(c.conns))
	copy(out, c.conns)
	return out
}

// ConnectCallCount returns the number of Connect calls. Thread-safe.
func (c *Client) ConnectCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ConnectCalls)
}

// Ensure Client implements upstream.Client at compile time.
var _ upstream.Client = (*Client)(nil)

// Conn is a mock implementation of upstream.Conn. Tests drive the event
// stream with Emit and EmitClose, and inspect delivered frames via the call
// records.
type Conn struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	// KeepAliveErr, if non-nil, is returned by KeepAlive.
	KeepAliveErr error

	// NotReady forces Ready to report false while the connection is open.
	NotReady bool

	// CloseBlock, when non-nil, makes Close wait until the channel is closed
	// before tearing the connection down. Set it before handing the
	// connection to the code under test.
	CloseBlock chan struct{}

	// --- Call records ---

	// AudioSent records every chunk passed to SendAudio, in order.
	AudioSent [][]byte

	// FinalizeCalls is the number of times Finalize was called.
	FinalizeCalls int

	// KeepAliveCalls is the number of times KeepAlive was called.
	KeepAliveCalls int

	// CloseCalls is the number of times Close was called.
	CloseCalls int

	events chan upstream.Event
	done   chan struct{}
	closed bool
}

// NewConn creates a Conn with a buffered event channel, ready for use.
func NewConn() *Conn {
	return &Conn{
		events: make(chan upstream.Event, 64),
		done:   make(chan struct{}),
	}
}

// Emit delivers an event to the consumer. Safe to call from any goroutine;
// no-op after Close.
func (c *Conn) Emit(ev upstream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// EmitClose delivers a close event with the given status code and closes the
// event stream, mirroring a provider-side disconnect.
func (c *Conn) EmitClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- upstream.Event{Kind: upstream.EventClose, Code: code, Reason: reason}
	c.closed = true
	close(c.done)
	close(c.events)
}

// SendAudio records the chunk and returns SendAudioErr.
func (c *Conn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSessionClosed
	}
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.AudioSent = append(c.AudioSent, cp)
	return nil
}

// KeepAlive records the call and returns KeepAliveErr.
func (c *Conn) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.KeepAliveCalls++
	return c.KeepAliveErr
}

// Finalize records the call and returns FinalizeErr.
func (c *Conn) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FinalizeCalls++
	return c.FinalizeErr
}

// Ready reports readiness: true while open unless NotReady is set.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.NotReady
}

// Events returns the scripted event stream.
func (c *Conn) Events() <-chan upstream.Event {
	return c.events
}

// Close records the call and closes the event stream. When CloseBlock is
// set, the call stalls until that channel is closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	block := c.CloseBlock
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.events)
	}
	return nil
}

// Closed reports whether Close or EmitClose has been called. Thread-safe.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AudioSentCount returns the number of SendAudio calls that were recorded.
func (c *Conn) AudioSentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.AudioSent)
}

// KeepAliveCallCount returns the number of KeepAlive calls. Thread-safe.
func (c *Conn) KeepAliveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.KeepAliveCalls
}

// FinalizeCallCount returns the number of Finalize calls. Thread-safe.
func (c *Conn) FinalizeCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FinalizeCalls
}

// Audio returns a snapshot of the recorded chunks, in send order.
func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.AudioSent))
	copy(out, c.AudioSent)
	return out
}

var errSessionClosed = &upstream.Error{Message: "mock: connection is closed"}

// Ensure Conn implements upstream.Conn at compile time.
var _ upstream.Conn = (*Conn)(nil)
