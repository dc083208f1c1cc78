package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voicewire/sttrelay/internal/observe"
	"github.com/voicewire/sttrelay/pkg/upstream"
)

// Sentinel errors for the caller-facing surface.
var (
	// ErrShuttingDown is returned by CreateSession once Shutdown has begun.
	ErrShuttingDown = errors.New("relay: service is shutting down")

	// ErrInvalidSessionID is returned for an empty session id.
	ErrInvalidSessionID = errors.New("relay: session id must not be empty")

	// ErrInvalidSampleRate is returned for a sample rate outside 8000..48000.
	ErrInvalidSampleRate = errors.New("relay: sample rate out of range")

	// ErrAuthFailed is returned when the provider rejects the API key.
	ErrAuthFailed = errors.New("relay: upstream authentication failed")

	// ErrConnectFailed is returned when the upstream connection did not reach
	// the open state.
	ErrConnectFailed = errors.New("relay: upstream connection failed")
)

// Sample-rate bounds accepted by CreateSession.
const (
	minSampleRate = 8000
	maxSampleRate = 48000
)

// Default service timing.
const (
	defaultFinalizeWait       = 5 * time.Second
	defaultFinalizeResetDelay = 100 * time.Millisecond
	defaultSweepPeriod        = time.Minute
	defaultIdleTimeout        = 5 * time.Minute
	defaultHardTimeout        = time.Hour
	defaultShutdownBudget     = 5 * time.Second
	defaultLanguage           = "en-US"
	defaultSampleRate         = 16000
)

// STTConfig is the caller-supplied configuration for a new session.
type STTConfig struct {
	// SessionID is the opaque session identifier, chosen by the caller.
	SessionID string

	// ConnectionID is the caller-scoped connection identifier. When empty a
	// fresh one is generated.
	ConnectionID string

	// SampleRate in Hz; must be within 8000..48000. Zero takes the service
	// default.
	SampleRate int

	// Channels is the audio channel count. Zero takes mono.
	Channels int

	// Language is the BCP-47 recognition language. Empty takes the service
	// default.
	Language string

	// Model is the provider model identifier. Empty takes the service
	// default.
	Model string
}

// ShutdownOptions controls Shutdown behaviour.
type ShutdownOptions struct {
	// Restart clears the shutting-down flag and restarts the cleanup sweep
	// once every session has been ended. Test-only affordance.
	Restart bool
}

// ServiceConfig holds all dependencies and tuning knobs for a Service.
// Zero-value durations take the documented defaults.
type ServiceConfig struct {
	// Client opens upstream streaming connections. Required.
	Client upstream.Client

	// APIKey is the upstream credential. Its presence determines IsHealthy;
	// the service fails closed when it is empty.
	APIKey string

	// DefaultLanguage, DefaultModel, and DefaultSampleRate fill STTConfig
	// fields the caller leaves empty.
	DefaultLanguage   string
	DefaultModel      string
	DefaultSampleRate int

	// ConnectTimeout, KeepAlivePeriod, and ReconnectBackoff tune the
	// connector; see ConnectorConfig.
	ConnectTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	ReconnectBackoff []time.Duration

	// FinalizeWait bounds the metadata wait during finalization. Default: 5s.
	FinalizeWait time.Duration

	// FinalizeResetDelay is the deferred reset of the finalizing flag — the
	// window in which a terminator-caused close must not trigger
	// reconnection. Default: 100ms.
	FinalizeResetDelay time.Duration

	// SweepPeriod is the idle-session sweep interval. Default: 60s.
	SweepPeriod time.Duration

	// IdleTimeout and HardTimeout bound session inactivity and lifetime for
	// the sweep. Defaults: 5m and 1h.
	IdleTimeout time.Duration
	HardTimeout time.Duration

	// ShutdownBudget is the per-session grace during Shutdown. Default: 5s.
	ShutdownBudget time.Duration

	// Metrics is the optional OTel instrument set. The in-memory counters
	// remain the source of truth for Metrics(); these instruments mirror
	// them for scraping.
	Metrics *observe.Metrics
}

// AggregateMetrics is the service-wide metric snapshot, computed on demand
// over the live sessions plus the monotonic service counters.
type AggregateMetrics struct {
	ActiveSessions         int
	TotalSessionsCreated   int64
	TotalSessionsCleaned   int64
	PeakConcurrentSessions int64

	TotalChunksReceived      int64
	TotalChunksForwarded     int64
	TotalTranscriptsReceived int64
	TotalErrors              int64

	TotalReconnections           int64
	TotalSuccessfulReconnections int64
	TotalFailedReconnections     int64
	TotalBufferedChunks          int64
	TotalDowntime                time.Duration

	AverageSessionDuration time.Duration
	MemoryUsageEstimateMB  float64
}

// SessionInfo is the per-session metric view.
type SessionInfo struct {
	SessionID       string
	ConnectionID    string
	ConnectionState ConnState
	CreatedAt       time.Time
	Duration        time.Duration
	Metrics         SessionMetrics
}

// Service is the public façade over the relay core. The owning transport
// layer calls CreateSession when a client connects, ForwardChunk per audio
// frame, FinalizeTranscript at end-of-utterance, and EndSession on
// disconnect. All methods are safe for concurrent use.
type Service struct {
	registry  *Registry
	connector *Connector
	apiKey    string

	defaultLanguage   string
	defaultModel      string
	defaultSampleRate int

	finalizeWait       time.Duration
	finalizeResetDelay time.Duration
	sweepPeriod        time.Duration
	idleTimeout        time.Duration
	hardTimeout        time.Duration
	shutdownBudget     time.Duration

	otel *observe.Metrics

	mu           sync.Mutex
	shuttingDown bool
	sweepStop    chan struct{}
	totalCreated int64
	totalCleaned int64
	peakSessions int64

	// retired accumulates the counters of ended sessions so the aggregate
	// totals stay monotonic as sessions come and go. Guarded by mu.
	retired retiredTotals
}

// retiredTotals is the fold of every ended session's counters.
type retiredTotals struct {
	sessions        int64
	duration        time.Duration
	chunksReceived  int64
	chunksForwarded int64
	transcripts     int64
	errors          int64
	reconnections   int64
	reconnectOK     int64
	reconnectFail   int64
	bufferedChunks  int64
	downtime        time.Duration
}

// NewService creates a Service and starts its cleanup sweep.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		registry: NewRegistry(),
		connector: NewConnector(ConnectorConfig{
			Client:           cfg.Client,
			ConnectTimeout:   cfg.ConnectTimeout,
			KeepAlivePeriod:  cfg.KeepAlivePeriod,
			ReconnectBackoff: cfg.ReconnectBackoff,
			Metrics:          cfg.Metrics,
		}),
		apiKey:             cfg.APIKey,
		defaultLanguage:    cfg.DefaultLanguage,
		defaultModel:       cfg.DefaultModel,
		defaultSampleRate:  cfg.DefaultSampleRate,
		finalizeWait:       cfg.FinalizeWait,
		finalizeResetDelay: cfg.FinalizeResetDelay,
		sweepPeriod:        cfg.SweepPeriod,
		idleTimeout:        cfg.IdleTimeout,
		hardTimeout:        cfg.HardTimeout,
		shutdownBudget:     cfg.ShutdownBudget,
		otel:               cfg.Metrics,
	}
	if s.defaultLanguage == "" {
		s.defaultLanguage = defaultLanguage
	}
	if s.defaultSampleRate == 0 {
		s.defaultSampleRate = defaultSampleRate
	}
	if s.finalizeWait <= 0 {
		s.finalizeWait = defaultFinalizeWait
	}
	if s.finalizeResetDelay <= 0 {
		s.finalizeResetDelay = defaultFinalizeResetDelay
	}
	if s.sweepPeriod <= 0 {
		s.sweepPeriod = defaultSweepPeriod
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	if s.hardTimeout <= 0 {
		s.hardTimeout = defaultHardTimeout
	}
	if s.shutdownBudget <= 0 {
		s.shutdownBudget = defaultShutdownBudget
	}

	s.startSweeper()
	return s
}

// CreateSession registers a new session and connects it upstream. It returns
// once the connection reached the open state or the attempt failed; on
// failure the session is cleaned up, removed, and the error surfaced.
//
// A live session under the same id is torn down first.
func (s *Service) CreateSession(ctx context.Context, cfg STTConfig) error {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return ErrShuttingDown
	}

	if cfg.SessionID == "" {
		return ErrInvalidSessionID
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = s.defaultSampleRate
	}
	if cfg.SampleRate < minSampleRate || cfg.SampleRate > maxSampleRate {
		return fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidSampleRate, cfg.SampleRate, minSampleRate, maxSampleRate)
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.NewString()
	}
	if cfg.Language == "" {
		cfg.Language = s.defaultLanguage
	}
	if cfg.Model == "" {
		cfg.Model = s.defaultModel
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}

	if s.registry.Has(cfg.SessionID) {
		slog.Info("replacing existing session", "session_id", cfg.SessionID)
		s.EndSession(cfg.SessionID)
	}

	sess := s.registry.Create(cfg.SessionID, cfg.ConnectionID, SessionConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   cfg.Language,
		Model:      cfg.Model,
	})

	s.mu.Lock()
	s.totalCreated++
	if n := int64(s.registry.Count()); n > s.peakSessions {
		s.peakSessions = n
	}
	s.mu.Unlock()

	if s.otel != nil {
		s.otel.SessionsCreated.Add(ctx, 1)
		s.otel.ActiveSessions.Add(ctx, 1)
	}

	if err := s.connector.Connect(ctx, sess); err != nil {
		if s.retire(sess) {
			sess.Cleanup()
		}
		if s.otel != nil {
			s.otel.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "connect")))
		}

		cls := Classify(err)
		slog.Error("session connect failed",
			"session_id", cfg.SessionID, "kind", string(cls.Kind),
			"status", cls.StatusCode, "message", cls.Message)
		if cls.StatusCode == 401 || cls.StatusCode == 403 {
			return fmt.Errorf("%w: %s", ErrAuthFailed, cls.Message)
		}
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, cls.Message, err)
	}

	slog.Info("session created",
		"session_id", cfg.SessionID,
		"connection_id", cfg.ConnectionID,
		"sample_rate", cfg.SampleRate,
		"language", cfg.Language,
	)
	return nil
}

// ForwardChunk delivers one audio chunk to the session's upstream
// connection. Fire-and-forget: an unknown session is a warning, not an
// error, and send failures are absorbed into the session's error counter.
func (s *Service) ForwardChunk(sessionID string, chunk []byte) {
	sess := s.registry.Get(sessionID)
	if sess == nil {
		slog.Warn("forward chunk: unknown session", "session_id", sessionID)
		return
	}
	if s.otel != nil {
		s.otel.ChunksReceived.Add(context.Background(), 1)
	}
	s.connector.Forward(sess, chunk)
}

// FinalizeTranscript flushes in-flight audio at the provider and returns the
// authoritative transcript for the just-completed utterance, without closing
// the upstream connection. Returns the empty string for an unknown session.
//
// The handshake: send the terminator frame, await the provider's metadata
// acknowledgement (bounded by the finalize wait), capture and reset the
// accumulator, then reset the finalizing flag after a short deferred window
// that absorbs a terminator-caused close. A concurrent call joins the
// in-flight handshake and receives the same transcript.
func (s *Service) FinalizeTranscript(ctx context.Context, sessionID string) string {
	sess := s.registry.Get(sessionID)
	if sess == nil {
		return ""
	}

	start := time.Now()
	fin, started := sess.BeginFinalization()
	if !started {
		// Join the in-flight handshake.
		select {
		case <-fin.done:
			return fin.transcript
		case <-ctx.Done():
			return sess.FinalTranscript()
		}
	}

	method := FinalizedNone
	if conn := sess.Conn(); conn != nil {
		if conn.Ready() {
			if err := conn.Finalize(); err != nil {
				slog.Debug("terminator send failed", "session_id", sessionID, "err", err)
			}
		}

		timer := time.NewTimer(s.finalizeWait)
		select {
		case m := <-fin.resolved:
			method = m
		case <-timer.C:
			method = FinalizedByTimeout
		case <-ctx.Done():
			method = FinalizedByTimeout
		}
		timer.Stop()
	}

	transcript := sess.FinalTranscript()
	sess.ResetAccumulator()
	sess.FinishFinalization(fin, transcript, method)
	sess.ScheduleFinalizationReset(s.finalizeResetDelay)

	s.otel.RecordFinalize(ctx, time.Since(start), string(method))
	slog.Info("transcript finalized",
		"session_id", sessionID, "method", string(method), "chars", len(transcript))
	return transcript
}

// EndSession closes the session's upstream connection, releases everything
// it owns, and removes it from the registry. Returns the accumulator
// snapshot taken before cleanup, or the empty string for an unknown session.
// It never fails; callers wanting the finalized transcript must call
// FinalizeTranscript first.
func (s *Service) EndSession(sessionID string) string {
	sess := s.registry.Get(sessionID)
	if sess == nil {
		return ""
	}

	transcript := sess.FinalTranscript()

	if s.retire(sess) {
		sess.Cleanup()
		slog.Info("session ended", "session_id", sessionID)
	}
	return transcript
}

// retire unregisters sess and folds its counters into the service totals,
// exactly once even under concurrent callers. Reports whether this call
// performed the removal; cleanup of the session's resources stays with the
// caller so a wedged connection close cannot block the accounting.
func (s *Service) retire(sess *Session) bool {
	m := sess.Metrics()
	dur := sess.Duration()

	if !s.registry.Remove(sess.ID) {
		return false
	}

	s.mu.Lock()
	s.totalCleaned++
	s.retired.sessions++
	s.retired.duration += dur
	s.retired.chunksReceived += m.ChunksReceived
	s.retired.chunksForwarded += m.ChunksForwarded
	s.retired.transcripts += m.TranscriptsReceived
	s.retired.errors += m.Errors
	s.retired.reconnections += m.Reconnections
	s.retired.reconnectOK += m.SuccessfulReconnections
	s.retired.reconnectFail += m.FailedReconnections
	s.retired.bufferedChunks += m.BufferedChunksDuringReconnection
	s.retired.downtime += m.TotalDowntime
	s.mu.Unlock()

	if s.otel != nil {
		s.otel.ActiveSessions.Add(context.Background(), -1)
	}
	return true
}

// Shutdown stops the cleanup sweep, rejects new sessions, and ends every
// live session in parallel under the per-session budget; a session that
// exceeds its budget is forcibly cleaned up. With opts.Restart the service
// comes back up empty afterwards.
func (s *Service) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	s.mu.Lock()
	s.shuttingDown = true
	stop := s.sweepStop
	s.sweepStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	g := new(errgroup.Group)
	for _, sess := range s.registry.All() {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				s.EndSession(sess.ID)
				close(done)
			}()

			select {
			case <-done:
				return nil
			case <-time.After(s.shutdownBudget):
				slog.Warn("session exceeded shutdown budget, forcing cleanup",
					"session_id", sess.ID)
			case <-ctx.Done():
			}

			// Forced path: retire keeps the session accounting intact and the
			// cleanup is detached, so a wedged connection close cannot hold
			// the shutdown hostage. The stuck EndSession finds the session
			// already removed and skips the accounting.
			if s.retire(sess) {
				go sess.Cleanup()
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("relay: session %s exceeded shutdown budget", sess.ID)
		})
	}
	err := g.Wait()

	if opts.Restart {
		s.mu.Lock()
		s.shuttingDown = false
		s.mu.Unlock()
		s.startSweeper()
		slog.Info("service restarted after shutdown")
	} else {
		slog.Info("service shut down")
	}
	return err
}

// IsHealthy reports whether the service holds an upstream credential.
func (s *Service) IsHealthy() bool {
	return s.apiKey != ""
}

// Metrics aggregates the per-session counters and service totals. Counters of
// ended sessions live on in the retired fold, so the totals never regress
// when a session goes away. The aggregate is computed on demand; concurrent
// mutation may make it slightly stale, which is acceptable for a monitoring
// read.
func (s *Service) Metrics() AggregateMetrics {
	sessions := s.registry.All()

	s.mu.Lock()
	agg := AggregateMetrics{
		ActiveSessions:         len(sessions),
		TotalSessionsCreated:   s.totalCreated,
		TotalSessionsCleaned:   s.totalCleaned,
		PeakConcurrentSessions: s.peakSessions,

		TotalChunksReceived:      s.retired.chunksReceived,
		TotalChunksForwarded:     s.retired.chunksForwarded,
		TotalTranscriptsReceived: s.retired.transcripts,
		TotalErrors:              s.retired.errors,

		TotalReconnections:           s.retired.reconnections,
		TotalSuccessfulReconnections: s.retired.reconnectOK,
		TotalFailedReconnections:     s.retired.reconnectFail,
		TotalBufferedChunks:          s.retired.bufferedChunks,
		TotalDowntime:                s.retired.downtime,
	}
	totalDuration := s.retired.duration
	sessionCount := s.retired.sessions
	s.mu.Unlock()

	var memoryBytes int
	for _, sess := range sessions {
		m := sess.Metrics()
		agg.TotalChunksReceived += m.ChunksReceived
		agg.TotalChunksForwarded += m.ChunksForwarded
		agg.TotalTranscriptsReceived += m.TranscriptsReceived
		agg.TotalErrors += m.Errors
		agg.TotalReconnections += m.Reconnections
		agg.TotalSuccessfulReconnections += m.SuccessfulReconnections
		agg.TotalFailedReconnections += m.FailedReconnections
		agg.TotalBufferedChunks += m.BufferedChunksDuringReconnection
		agg.TotalDowntime += m.TotalDowntime

		totalDuration += sess.Duration()
		sessionCount++
		memoryBytes += sess.TranscriptBytes() + sess.BufferedBytes()
	}

	if sessionCount > 0 {
		agg.AverageSessionDuration = totalDuration / time.Duration(sessionCount)
	}
	agg.MemoryUsageEstimateMB = float64(memoryBytes) / (1024 * 1024)
	return agg
}

// SessionMetrics returns the per-session metric view, and whether the
// session exists.
func (s *Service) SessionMetrics(sessionID string) (SessionInfo, bool) {
	sess := s.registry.Get(sessionID)
	if sess == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		SessionID:       sess.ID,
		ConnectionID:    sess.ConnectionID,
		ConnectionState: sess.State(),
		CreatedAt:       sess.CreatedAt,
		Duration:        sess.Duration(),
		Metrics:         sess.Metrics(),
	}, true
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	return s.registry.Count()
}

// ---- cleanup sweep ----

// startSweeper launches the periodic idle-session sweep.
func (s *Service) startSweeper() {
	stop := make(chan struct{})
	s.mu.Lock()
	s.sweepStop = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(s.sweepPeriod)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.sweepOnce()
			}
		}
	}()
}

// sweepOnce ends sessions that exceeded the idle or hard timeout. The sweep
// survives handler panics so the ticker can never die.
func (s *Service) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cleanup sweep panic", "panic", r)
		}
	}()

	now := time.Now()
	for _, sess := range s.registry.All() {
		idle := now.Sub(sess.LastActivity())
		age := now.Sub(sess.CreatedAt)
		if idle > s.idleTimeout || age > s.hardTimeout {
			slog.Info("ending stale session",
				"session_id", sess.ID, "idle", idle, "age", age)
			s.EndSession(sess.ID)
		}
	}
}
