package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicewire/sttrelay/internal/observe"
	"github.com/voicewire/sttrelay/pkg/upstream"
)

// Default timing for the upstream connection lifecycle.
const (
	defaultConnectTimeout  = 10 * time.Second
	defaultKeepAlivePeriod = 8 * time.Second
)

// defaultReconnectBackoff is the retry ladder for re-establishing a dropped
// upstream connection. Five attempts, then the session is left disconnected.
var defaultReconnectBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// errSessionGone reports that a session was cleaned up while a connection
// attempt for it was in flight.
var errSessionGone = errors.New("relay: session cleaned up during connect")

// ConnectorConfig configures a Connector. Zero-value durations take the
// documented defaults; a nil backoff takes the default ladder.
type ConnectorConfig struct {
	// Client opens upstream streaming connections.
	Client upstream.Client

	// ConnectTimeout bounds a single connection attempt. Default: 10s.
	ConnectTimeout time.Duration

	// KeepAlivePeriod is the keepalive frame interval. Default: 8s.
	KeepAlivePeriod time.Duration

	// ReconnectBackoff is the per-attempt delay ladder; its length is the
	// maximum number of reconnection attempts.
	ReconnectBackoff []time.Duration

	// Metrics is the optional OTel instrument set mirroring the per-session
	// counters.
	Metrics *observe.Metrics
}

// Connector manages the entire lifetime of a session's upstream streaming
// connection: establishment, the event pump, the keepalive ticker, audio
// forwarding, and reconnection with backoff. Its methods are invoked only by
// the Service.
type Connector struct {
	client          upstream.Client
	connectTimeout  time.Duration
	keepAlivePeriod time.Duration
	backoff         []time.Duration
	otel            *observe.Metrics
}

// NewConnector creates a Connector with the given configuration.
func NewConnector(cfg ConnectorConfig) *Connector {
	c := &Connector{
		client:          cfg.Client,
		connectTimeout:  cfg.ConnectTimeout,
		keepAlivePeriod: cfg.KeepAlivePeriod,
		backoff:         cfg.ReconnectBackoff,
		otel:            cfg.Metrics,
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.keepAlivePeriod <= 0 {
		c.keepAlivePeriod = defaultKeepAlivePeriod
	}
	if c.backoff == nil {
		c.backoff = defaultReconnectBackoff
	}
	return c
}

// Connect establishes the upstream connection for s, installs the event
// pump, and starts the keepalive ticker. When the session is in a
// reconnection cycle the buffered audio is flushed in arrival order and the
// cycle is concluded.
//
// The attempt is bounded by the connect timeout; on expiry the returned
// error classifies as retryable.
func (c *Connector) Connect(ctx context.Context, s *Session) error {
	s.SetState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.client.Connect(dialCtx, upstream.StreamConfig{
		SampleRate: s.Config.SampleRate,
		Channels:   s.Config.Channels,
		Language:   s.Config.Language,
		Model:      s.Config.Model,
	})
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("relay: connect timeout after %s: %w", c.connectTimeout, err)
		}
		return fmt.Errorf("relay: connect: %w", err)
	}

	if !s.IsActive() {
		_ = conn.Close()
		return errSessionGone
	}

	s.SetConn(conn, c.startKeepalive(s, conn))
	s.SetState(StateConnected)

	if s.IsReconnecting() {
		// Drain until empty, then take the flag down. ConcludeReconnect
		// returns whatever raced into the buffer between the last drain and
		// the flip, so no chunk is left stranded.
		for s.BufferedBytes() > 0 {
			c.flushBuffer(s, conn)
		}
		c.sendChunks(s, conn, s.ConcludeReconnect())
		if c.otel != nil {
			c.otel.Reconnections.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("outcome", "success")))
		}
		slog.Info("upstream reconnected", "session_id", s.ID)
	}

	go c.pump(s, conn)
	return nil
}

// Forward delivers one audio chunk for s. During reconnection the chunk is
// buffered instead; send failures are counted per session and surface in the
// logs on every 10th error.
//
// A connectionless session that is still active (the provider tore the
// stream down after a finalization, or a previous reconnection cycle ran out
// of attempts) gets its connection re-established on demand: the chunk is
// buffered and a redial starts with no initial delay.
func (c *Connector) Forward(s *Session, chunk []byte) {
	if s == nil {
		slog.Warn("forward: no session")
		return
	}
	if len(chunk) == 0 {
		return
	}

	s.Touch()
	s.RecordChunkReceived()

	if buffered, accepted := s.BufferIfReconnecting(chunk); buffered {
		if !accepted {
			slog.Warn("chunk exceeds reconnect buffer capacity, dropped",
				"session_id", s.ID, "size", len(chunk))
		}
		return
	}

	conn := s.Conn()
	if conn == nil {
		if !s.IsActive() || s.State() == StateError {
			return
		}
		if !s.AddToReconnectBuffer(chunk) {
			slog.Warn("chunk exceeds reconnect buffer capacity, dropped",
				"session_id", s.ID, "size", len(chunk))
		}
		if s.BeginReconnect() {
			slog.Info("re-establishing upstream connection on demand", "session_id", s.ID)
			go c.reconnectLoop(s, true)
		} else if conn := s.Conn(); conn != nil {
			// A concurrent cycle concluded between the buffer add and here;
			// drain so the chunk is not stranded until the next cycle.
			c.flushBuffer(s, conn)
		}
		return
	}

	if err := conn.SendAudio(chunk); err != nil {
		n := s.RecordError()
		if n%10 == 0 {
			slog.Warn("audio forward error", "session_id", s.ID, "errors", n, "err", err)
		} else {
			slog.Debug("audio forward error", "session_id", s.ID, "err", err)
		}
		return
	}
	s.RecordChunkForwarded()
}

// flushBuffer replays the reconnection buffer to conn in arrival order.
func (c *Connector) flushBuffer(s *Session, conn upstream.Conn) {
	c.sendChunks(s, conn, s.FlushReconnectBuffer())
}

// sendChunks delivers chunks to conn in order, stopping at the first send
// failure.
func (c *Connector) sendChunks(s *Session, conn upstream.Conn, chunks [][]byte) {
	for _, chunk := range chunks {
		if err := conn.SendAudio(chunk); err != nil {
			s.RecordError()
			slog.Warn("buffer flush send error", "session_id", s.ID, "err", err)
			return
		}
		s.RecordChunkForwarded()
	}
	if len(chunks) > 0 {
		slog.Debug("reconnect buffer flushed", "session_id", s.ID, "chunks", len(chunks))
	}
}

// startKeepalive runs the keepalive ticker for conn and returns its stop
// function. The ticker dies on its own when a keepalive frame fails; the
// close handler observes the broken connection separately.
func (c *Connector) startKeepalive(s *Session, conn upstream.Conn) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(c.keepAlivePeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.KeepAlive(); err != nil {
					slog.Debug("keepalive send failed", "session_id", s.ID, "err", err)
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// pump consumes conn's event stream until it closes, dispatching each event
// through the failure boundary.
func (c *Connector) pump(s *Session, conn upstream.Conn) {
	for ev := range conn.Events() {
		c.dispatch(s, conn, ev)
	}
}

// dispatch routes one upstream event to its handler. Every handler body runs
// inside a recover boundary: a panic in one handler is logged and counted
// but never poisons the pump, the connection, or sibling handlers.
func (c *Connector) dispatch(s *Session, conn upstream.Conn, ev upstream.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.RecordError()
			slog.Error("event handler panic",
				"session_id", s.ID, "event", ev.Kind.String(), "panic", r)
		}
	}()

	switch ev.Kind {
	case upstream.EventOpen:
		// Open is implied by a successful Connect; nothing to do here.

	case upstream.EventTranscript:
		c.handleTranscript(s, ev.Transcript)

	case upstream.EventMetadata:
		s.ResolveFinalization(FinalizedByEvent)

	case upstream.EventSpeechStarted:
		slog.Debug("speech started", "session_id", s.ID)

	case upstream.EventUtteranceEnd:
		slog.Debug("utterance end", "session_id", s.ID)

	case upstream.EventError:
		c.handleError(s, ev.Err)

	case upstream.EventClose:
		c.handleClose(s, conn, ev)
	}
}

// handleTranscript applies a transcript fragment to the session. Providers
// emit empty results on silence; those are dropped so they cannot pad the
// accumulator with stray spaces.
func (c *Connector) handleTranscript(s *Session, t upstream.Transcript) {
	if t.Text == "" {
		return
	}
	s.AddTranscript(t.Text, t.Confidence, t.IsFinal)
	if c.otel != nil {
		c.otel.TranscriptsReceived.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Bool("final", t.IsFinal)))
	}
	slog.Debug("transcript received",
		"session_id", s.ID, "final", t.IsFinal, "confidence", t.Confidence)
}

// handleError classifies a connection-level error. Fatal errors park the
// session in the error state and suppress reconnection; everything else is
// treated like an unexpected close.
func (c *Connector) handleError(s *Session, err error) {
	cls := Classify(err)
	s.RecordError()

	if !cls.Retryable {
		s.SetState(StateError)
		slog.Error("upstream fatal error",
			"session_id", s.ID, "status", cls.StatusCode, "message", cls.Message)
		return
	}

	slog.Warn("upstream error, scheduling reconnect",
		"session_id", s.ID, "kind", string(cls.Kind), "message", cls.Message)
	c.scheduleReconnect(s)
}

// handleClose reacts to the provider closing the connection. A close during
// finalization is the expected consequence of the terminator frame and never
// triggers an eager reconnection; the session stays logically open and
// Forward redials on demand when the next turn's audio arrives.
func (c *Connector) handleClose(s *Session, conn upstream.Conn, ev upstream.Event) {
	s.StopKeepalive()

	if !s.DropConn(conn) {
		// A newer connection has already replaced this one.
		return
	}

	if s.State() == StateError {
		// Fatal error path: state stays error, no reconnection.
		return
	}
	s.SetState(StateDisconnected)

	if s.IsFinalizing() {
		slog.Debug("upstream closed during finalization, not reconnecting",
			"session_id", s.ID, "code", ev.Code)
		// If the metadata acknowledgement never arrived, promote the waiter
		// to the timeout path rather than leaving the caller to wait it out.
		s.ResolveFinalization(FinalizedByTimeout)
		return
	}

	if !s.IsActive() {
		return
	}

	slog.Info("upstream closed unexpectedly, scheduling reconnect",
		"session_id", s.ID, "code", ev.Code, "reason", ev.Reason)
	c.scheduleReconnect(s)
}

// scheduleReconnect starts a reconnection cycle unless one is already
// running.
func (c *Connector) scheduleReconnect(s *Session) {
	if !s.BeginReconnect() {
		return
	}
	go c.reconnectLoop(s, false)
}

// reconnectLoop walks the backoff ladder. With immediate set the first
// attempt carries no delay, for the forward-triggered redial of a session
// the provider closed cleanly. On success Connect flushes the buffer and
// concludes the cycle; on exhaustion the buffer is dropped and the session
// is left disconnected but registered, so the caller can still forward
// (triggering a fresh cycle), finalize, and end it.
func (c *Connector) reconnectLoop(s *Session, immediate bool) {
	delays := c.backoff
	if immediate {
		delays = append([]time.Duration{0}, c.backoff...)
	}
	for attempt, delay := range delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		if !s.IsActive() {
			s.EndReconnectFailure()
			return
		}

		slog.Info("attempting upstream reconnect",
			"session_id", s.ID, "attempt", attempt+1, "max_attempts", len(delays))

		err := c.Connect(context.Background(), s)
		if err == nil {
			return
		}
		if errors.Is(err, errSessionGone) {
			s.EndReconnectFailure()
			return
		}

		cls := Classify(err)
		s.RecordError()
		if !cls.Retryable {
			slog.Error("reconnect hit fatal error, giving up",
				"session_id", s.ID, "status", cls.StatusCode, "message", cls.Message)
			s.SetState(StateError)
			s.EndReconnectFailure()
			return
		}

		slog.Warn("reconnect attempt failed",
			"session_id", s.ID, "attempt", attempt+1, "err", err)
	}

	s.EndReconnectFailure()
	s.SetState(StateDisconnected)
	if c.otel != nil {
		c.otel.Reconnections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", "failure")))
	}
	slog.Error("reconnection failed after max retries",
		"session_id", s.ID, "max_attempts", len(delays))
}
