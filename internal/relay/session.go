package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/voicewire/sttrelay/pkg/upstream"
)

// maxReconnectBufferBytes bounds the total size of audio buffered while the
// upstream connection is being re-established. Chunks beyond the bound evict
// the oldest buffered chunks; a single chunk larger than the bound is
// rejected outright.
const maxReconnectBufferBytes = 32 * 1024

// ConnState is the session's view of its upstream connection.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// FinalizationMethod records how the most recent finalization concluded.
type FinalizationMethod string

const (
	// FinalizedNone means no finalization has completed yet, or the last one
	// ran without an upstream connection to hand the terminator to.
	FinalizedNone FinalizationMethod = "none"

	// FinalizedByEvent means the provider acknowledged the terminator with a
	// metadata event inside the wait window.
	FinalizedByEvent FinalizationMethod = "event"

	// FinalizedByTimeout means the metadata wait expired and the accumulated
	// transcript was returned as-is.
	FinalizedByTimeout FinalizationMethod = "timeout"
)

// SessionConfig is the per-session recognition configuration.
type SessionConfig struct {
	SampleRate int
	Channels   int
	Language   string
	Model      string
}

// Segment is one transcript fragment as received from the provider.
type Segment struct {
	Text       string
	Confidence float64
	Timestamp  time.Time
	IsFinal    bool
}

// SessionMetrics is a snapshot of a session's counters.
type SessionMetrics struct {
	ChunksReceived                   int64
	ChunksForwarded                  int64
	TranscriptsReceived              int64
	Errors                           int64
	Reconnections                    int64
	SuccessfulReconnections          int64
	FailedReconnections              int64
	BufferedChunksDuringReconnection int64
	TotalDowntime                    time.Duration
	FinalizationMethod               FinalizationMethod
}

// finalization is the shared waiter for one finalization handshake. The
// first caller creates it; concurrent callers join it and read the same
// transcript.
type finalization struct {
	// resolved receives the method that concluded the metadata wait. One-shot.
	resolved chan FinalizationMethod
	once     sync.Once

	// done is closed once the transcript has been captured and the
	// accumulator reset.
	done       chan struct{}
	transcript string
}

// resolve posts the concluding method exactly once. Later resolutions (e.g.
// a close racing a metadata event) are dropped.
func (f *finalization) resolve(method FinalizationMethod) {
	f.once.Do(func() {
		f.resolved <- method
	})
}

// Session is the per-caller unit of STT relay work. It owns one upstream
// connection handle, one transcript accumulator, the reconnection buffer,
// and every timer associated with the session. All mutable state is guarded
// by a single mutex; methods are safe for concurrent use.
type Session struct {
	// Immutable identity.
	ID           string
	ConnectionID string
	Config       SessionConfig
	CreatedAt    time.Time

	mu             sync.Mutex
	lastActivity   time.Time
	lastTranscript time.Time

	conn  upstream.Conn
	state ConnState

	segments    []Segment
	accumulated string
	interim     string

	finalizing    bool
	pendingFinal  *finalization
	finalizeTimer *time.Timer

	stopKeepalive func()

	reconnecting  bool
	buffer        [][]byte
	bufferBytes   int
	downtimeStart time.Time

	active  bool
	metrics SessionMetrics
}

// newSession creates a Session in the connecting state.
func newSession(id, connectionID string, cfg SessionConfig) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ConnectionID: connectionID,
		Config:       cfg,
		CreatedAt:    now,
		lastActivity: now,
		state:        StateConnecting,
		active:       true,
		metrics:      SessionMetrics{FinalizationMethod: FinalizedNone},
	}
}

// Touch records caller activity, deferring the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// AddTranscript applies one transcript fragment. Final fragments are
// committed to the accumulator and clear the interim; interim fragments
// replace the previous interim.
func (s *Session) AddTranscript(text string, confidence float64, isFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isFinal {
		s.accumulated += text + " "
		s.interim = ""
	} else {
		s.interim = text
	}

	s.segments = append(s.segments, Segment{
		Text:       text,
		Confidence: confidence,
		Timestamp:  time.Now(),
		IsFinal:    isFinal,
	})
	s.metrics.TranscriptsReceived++
	s.lastTranscript = time.Now()
}

// FinalTranscript returns the accumulated final transcript, trimmed. When no
// final fragment has been committed it falls back to the latest interim; it
// never joins the two.
func (s *Session) FinalTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := strings.TrimSpace(s.accumulated); t != "" {
		return t
	}
	return strings.TrimSpace(s.interim)
}

// ResetAccumulator clears the accumulator, interim, and segment list.
// Metrics are untouched.
func (s *Session) ResetAccumulator() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accumulated = ""
	s.interim = ""
	s.segments = nil
}

// Segments returns a snapshot of the fragments received since the last reset.
func (s *Session) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// ---- reconnection buffer ----

// AddToReconnectBuffer appends chunk to the FIFO buffer, evicting the oldest
// chunks until the 32 KiB bound holds. A single chunk larger than the bound
// is rejected and does not mutate the buffer. Reports whether the chunk was
// accepted.
func (s *Session) AddToReconnectBuffer(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferLocked(chunk)
}

// BufferIfReconnecting buffers chunk only while a reconnection cycle is in
// progress, atomically with the flag check so a chunk can never land in the
// buffer after ConcludeReconnect drained it. Returns whether the chunk was
// taken by the buffer path, and whether it was accepted.
func (s *Session) BufferIfReconnecting(chunk []byte) (buffered, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reconnecting {
		return false, false
	}
	return true, s.bufferLocked(chunk)
}

// bufferLocked implements the bounded FIFO append. Caller holds s.mu.
func (s *Session) bufferLocked(chunk []byte) bool {
	if len(chunk) > maxReconnectBufferBytes {
		return false
	}

	for s.bufferBytes+len(chunk) > maxReconnectBufferBytes && len(s.buffer) > 0 {
		s.bufferBytes -= len(s.buffer[0])
		s.buffer[0] = nil
		s.buffer = s.buffer[1:]
	}

	s.buffer = append(s.buffer, chunk)
	s.bufferBytes += len(chunk)
	s.metrics.BufferedChunksDuringReconnection++
	return true
}

// FlushReconnectBuffer returns all buffered chunks in arrival order and
// empties the buffer.
func (s *Session) FlushReconnectBuffer() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	s.bufferBytes = 0
	return out
}

// ClearReconnectBuffer empties the buffer without returning its contents.
func (s *Session) ClearReconnectBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = nil
	s.bufferBytes = 0
}

// BufferedBytes returns the current total size of the reconnection buffer.
func (s *Session) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferBytes
}

// ---- connection handle ----

// Conn returns the current upstream handle, or nil while connecting,
// reconnecting, or after cleanup.
func (s *Session) Conn() upstream.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetConn installs a new upstream handle and its keepalive stop function.
// The previous handle must already be closed.
func (s *Session) SetConn(conn upstream.Conn, stopKeepalive func()) {
	s.mu.Lock()
	prevStop := s.stopKeepalive
	s.conn = conn
	s.stopKeepalive = stopKeepalive
	s.mu.Unlock()

	if prevStop != nil {
		prevStop()
	}
}

// DropConn clears the upstream handle if it still is current. Used by the
// close handler so a stale pump cannot clobber a newer connection.
func (s *Session) DropConn(conn upstream.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	return true
}

// StopKeepalive cancels the keepalive ticker, if one is running.
func (s *Session) StopKeepalive() {
	s.mu.Lock()
	stop := s.stopKeepalive
	s.stopKeepalive = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// State returns the connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the connection state.
func (s *Session) SetState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// IsActive reports whether the session has not been cleaned up.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ---- reconnection state ----

// IsReconnecting reports whether a reconnection cycle is in progress.
func (s *Session) IsReconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// BeginReconnect marks the start of a reconnection cycle. Reports false when
// a cycle is already running so only one reconnect loop exists per session.
func (s *Session) BeginReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting {
		return false
	}
	s.reconnecting = true
	s.downtimeStart = time.Now()
	s.metrics.Reconnections++
	return true
}

// ConcludeReconnect ends a reconnection cycle after a successful re-dial,
// accounting the downtime, and returns whatever is still buffered — flag flip
// and final drain happen under one lock, so a concurrent Forward either
// buffered in time to be returned here or sees the flag already down and
// sends directly. No-op (returning nil) when no cycle is in progress.
func (s *Session) ConcludeReconnect() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reconnecting {
		return nil
	}
	s.reconnecting = false
	s.metrics.SuccessfulReconnections++
	s.metrics.TotalDowntime += time.Since(s.downtimeStart)

	out := s.buffer
	s.buffer = nil
	s.bufferBytes = 0
	return out
}

// EndReconnectFailure concludes a reconnection cycle after retries were
// exhausted. The buffer is dropped; the session stays registered so the
// caller can still finalize and end it.
func (s *Session) EndReconnectFailure() {
	s.mu.Lock()
	s.reconnecting = false
	s.metrics.FailedReconnections++
	s.buffer = nil
	s.bufferBytes = 0
	s.mu.Unlock()
}

// ---- finalization ----

// BeginFinalization starts a finalization handshake, or joins the one in
// flight. Reports true when the caller started a new handshake and owns the
// protocol steps; false when it joined and should simply wait on the
// returned waiter.
//
// Starting a handshake cancels any pending deferred flag reset from the
// previous one.
func (s *Session) BeginFinalization() (*finalization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizing && s.pendingFinal != nil {
		return s.pendingFinal, false
	}

	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}

	fin := &finalization{
		resolved: make(chan FinalizationMethod, 1),
		done:     make(chan struct{}),
	}
	s.finalizing = true
	s.pendingFinal = fin
	return fin, true
}

// IsFinalizing reports whether a finalization handshake is in flight or
// inside its deferred-reset window. The close handler reads this to decide
// whether an upstream close is the expected consequence of the terminator.
func (s *Session) IsFinalizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizing
}

// ResolveFinalization posts method to the in-flight metadata waiter, if any.
// Called by the connector's metadata handler (event path) and by its close
// handler (promoting an unexpected close to the timeout path so the caller
// is not left waiting out the full metadata window).
func (s *Session) ResolveFinalization(method FinalizationMethod) {
	s.mu.Lock()
	fin := s.pendingFinal
	s.mu.Unlock()

	if fin != nil {
		fin.resolve(method)
	}
}

// FinishFinalization publishes the captured transcript to any joined callers
// and records the concluding method.
func (s *Session) FinishFinalization(fin *finalization, transcript string, method FinalizationMethod) {
	s.mu.Lock()
	s.metrics.FinalizationMethod = method
	s.mu.Unlock()

	fin.transcript = transcript
	close(fin.done)
}

// ScheduleFinalizationReset arms the deferred reset of the finalizing flag.
// The delay is the observation window in which a provider close caused by
// the terminator frame must still see the flag set and skip reconnection.
func (s *Session) ScheduleFinalizationReset(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
	}
	s.finalizeTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.finalizing = false
		s.pendingFinal = nil
		s.finalizeTimer = nil
		s.mu.Unlock()
	})
}

// ---- metric increments ----

// RecordChunkReceived counts a chunk handed to the relay by the caller.
func (s *Session) RecordChunkReceived() {
	s.mu.Lock()
	s.metrics.ChunksReceived++
	s.mu.Unlock()
}

// RecordChunkForwarded counts a chunk delivered to the provider.
func (s *Session) RecordChunkForwarded() {
	s.mu.Lock()
	s.metrics.ChunksForwarded++
	s.mu.Unlock()
}

// RecordError counts a per-session error and returns the new total, so the
// forward path can rate-limit its warning logs.
func (s *Session) RecordError() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Errors++
	return s.metrics.Errors
}

// Metrics returns a snapshot of the session's counters.
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// TranscriptBytes estimates the memory held by the transcript accumulator
// and interim string. Used for the service-wide memory estimate.
func (s *Session) TranscriptBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accumulated) + len(s.interim)
}

// ---- teardown ----

// Cleanup releases everything the session owns: the keepalive ticker, the
// finalization timer, the upstream handle, and the reconnection buffer.
// Idempotent and non-throwing; close errors are swallowed.
func (s *Session) Cleanup() {
	s.mu.Lock()
	stop := s.stopKeepalive
	s.stopKeepalive = nil
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.buffer = nil
	s.bufferBytes = 0
	s.reconnecting = false
	s.active = false
	s.state = StateDisconnected
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
