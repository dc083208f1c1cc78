package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/sttrelay/pkg/upstream"
	"github.com/voicewire/sttrelay/pkg/upstream/mock"
)

// newTestService builds a Service over the mock client with millisecond-scale
// timing so the full lifecycle runs fast.
func newTestService(t *testing.T, client *mock.Client) *Service {
	t.Helper()
	svc := NewService(ServiceConfig{
		Client:             client,
		APIKey:             "test-key",
		KeepAlivePeriod:    time.Hour, // quiet in most tests
		ReconnectBackoff:   fastBackoff,
		FinalizeWait:       200 * time.Millisecond,
		FinalizeResetDelay: 50 * time.Millisecond,
		SweepPeriod:        time.Hour,
		ShutdownBudget:     time.Second,
	})
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background(), ShutdownOptions{})
	})
	return svc
}

func mustCreate(t *testing.T, svc *Service, id string) {
	t.Helper()
	if err := svc.CreateSession(context.Background(), STTConfig{SessionID: id}); err != nil {
		t.Fatalf("CreateSession(%q): %v", id, err)
	}
}

// emitFinals pushes final transcript fragments through the session's pump and
// waits until they are all accumulated.
func emitFinals(t *testing.T, svc *Service, conn *mock.Conn, id string, words ...string) {
	t.Helper()
	for _, w := range words {
		conn.Emit(upstream.Event{
			Kind:       upstream.EventTranscript,
			Transcript: upstream.Transcript{Text: w, Confidence: 0.95, IsFinal: true},
		})
	}
	want := strings.Join(words, " ")
	waitUntil(t, time.Second, func() bool {
		sess := svc.registry.Get(id)
		return sess != nil && sess.FinalTranscript() == want
	}, "transcripts to accumulate")
}

// ---- createSession ----

func TestService_CreateSessionValidation(t *testing.T) {
	svc := newTestService(t, &mock.Client{})

	if err := svc.CreateSession(context.Background(), STTConfig{}); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("empty id: err = %v", err)
	}
	err := svc.CreateSession(context.Background(), STTConfig{SessionID: "a", SampleRate: 4000})
	if !errors.Is(err, ErrInvalidSampleRate) {
		t.Fatalf("bad sample rate: err = %v", err)
	}
	err = svc.CreateSession(context.Background(), STTConfig{SessionID: "a", SampleRate: 96000})
	if !errors.Is(err, ErrInvalidSampleRate) {
		t.Fatalf("bad sample rate: err = %v", err)
	}
}

func TestService_CreateSessionDefaults(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")

	cfg := client.ConnectCalls[0].Cfg
	if cfg.SampleRate != 16000 {
		t.Fatalf("sample rate = %d, want default 16000", cfg.SampleRate)
	}
	if cfg.Language != "en-US" {
		t.Fatalf("language = %q, want default en-US", cfg.Language)
	}

	info, ok := svc.SessionMetrics("a")
	if !ok {
		t.Fatal("session not found")
	}
	if info.ConnectionID == "" {
		t.Fatal("no connection id generated")
	}
	if info.ConnectionState != StateConnected {
		t.Fatalf("state = %q, want connected", info.ConnectionState)
	}
}

func TestService_CreateSessionAuthFailure(t *testing.T) {
	client := &mock.Client{ConnectErrs: []error{&upstream.Error{Status: 401}}}
	svc := newTestService(t, client)

	err := svc.CreateSession(context.Background(), STTConfig{SessionID: "a"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if svc.SessionCount() != 0 {
		t.Fatal("failed session left registered")
	}
}

func TestService_CreateSessionConnectFailure(t *testing.T) {
	client := &mock.Client{ConnectErrs: []error{&upstream.Error{Status: 503}}}
	svc := newTestService(t, client)

	err := svc.CreateSession(context.Background(), STTConfig{SessionID: "a"})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
	if svc.SessionCount() != 0 {
		t.Fatal("failed session left registered")
	}
}

func TestService_CreateSessionReplacesDuplicate(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	mustCreate(t, svc, "a")

	if svc.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", svc.SessionCount())
	}
	if client.ConnectCallCount() != 2 {
		t.Fatalf("ConnectCallCount = %d, want 2", client.ConnectCallCount())
	}
	// The first connection was torn down with the replaced session.
	if !client.Conns()[0].Closed() {
		t.Fatal("replaced session's connection left open")
	}

	m := svc.Metrics()
	if m.TotalSessionsCreated != 2 || m.TotalSessionsCleaned != 1 {
		t.Fatalf("created/cleaned = %d/%d, want 2/1", m.TotalSessionsCreated, m.TotalSessionsCleaned)
	}
}

// ---- the full happy path ----

func TestService_TranscribeAndFinalize(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]

	svc.ForwardChunk("a", []byte("pcm-frame"))
	if conn.AudioSentCount() != 1 {
		t.Fatalf("AudioSentCount = %d, want 1", conn.AudioSentCount())
	}

	emitFinals(t, svc, conn, "a", "Hello", "world.")

	// Acknowledge the terminator with metadata once it is sent.
	go func() {
		deadline := time.Now().Add(time.Second)
		for conn.FinalizeCallCount() == 0 {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		conn.Emit(upstream.Event{Kind: upstream.EventMetadata})
	}()

	got := svc.FinalizeTranscript(context.Background(), "a")
	if got != "Hello world." {
		t.Fatalf("transcript = %q, want %q", got, "Hello world.")
	}

	info, _ := svc.SessionMetrics("a")
	if info.Metrics.FinalizationMethod != FinalizedByEvent {
		t.Fatalf("method = %q, want event", info.Metrics.FinalizationMethod)
	}
	// The connection survives finalization for the next turn.
	if conn.Closed() {
		t.Fatal("connection closed by finalization")
	}
}

func TestService_FinalizeTimeoutFallback(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]

	emitFinals(t, svc, conn, "a", "partial", "thought")

	start := time.Now()
	got := svc.FinalizeTranscript(context.Background(), "a")
	if got != "partial thought" {
		t.Fatalf("transcript = %q", got)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("returned after %s, before the metadata wait elapsed", elapsed)
	}

	info, _ := svc.SessionMetrics("a")
	if info.Metrics.FinalizationMethod != FinalizedByTimeout {
		t.Fatalf("method = %q, want timeout", info.Metrics.FinalizationMethod)
	}
}

func TestService_FinalizeUnknownSession(t *testing.T) {
	svc := newTestService(t, &mock.Client{})
	if got := svc.FinalizeTranscript(context.Background(), "ghost"); got != "" {
		t.Fatalf("transcript = %q, want empty", got)
	}
}

// A session whose upstream connection is gone (e.g. reconnection exhausted)
// still finalizes: the handshake is skipped and the accumulator returned.
func TestService_FinalizeWithoutConnection(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]
	emitFinals(t, svc, conn, "a", "stranded", "words")

	sess := svc.registry.Get("a")
	sess.StopKeepalive()
	sess.DropConn(conn)

	start := time.Now()
	got := svc.FinalizeTranscript(context.Background(), "a")
	if got != "stranded words" {
		t.Fatalf("transcript = %q", got)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("null-connection finalize waited on the metadata window")
	}

	info, _ := svc.SessionMetrics("a")
	if info.Metrics.FinalizationMethod != FinalizedNone {
		t.Fatalf("method = %q, want none", info.Metrics.FinalizationMethod)
	}
}

// The provider often closes the stream shortly after acknowledging the
// terminator. Within the deferred reset window that close must not trigger
// reconnection.
func TestService_CloseAfterFinalizeDoesNotReconnect(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]

	go func() {
		deadline := time.Now().Add(time.Second)
		for conn.FinalizeCallCount() == 0 {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		conn.Emit(upstream.Event{Kind: upstream.EventMetadata})
	}()
	_ = svc.FinalizeTranscript(context.Background(), "a")

	// Terminator-caused close arrives inside the reset window.
	conn.EmitClose(1000, "stream finished")
	time.Sleep(30 * time.Millisecond)

	if client.ConnectCallCount() != 1 {
		t.Fatalf("ConnectCallCount = %d, want 1 (no reconnect inside reset window)", client.ConnectCallCount())
	}
}

func TestService_MultiTurnReusesConnection(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]

	ack := func() {
		go func() {
			calls := conn.FinalizeCallCount()
			deadline := time.Now().Add(time.Second)
			for conn.FinalizeCallCount() == calls {
				if time.Now().After(deadline) {
					return
				}
				time.Sleep(time.Millisecond)
			}
			conn.Emit(upstream.Event{Kind: upstream.EventMetadata})
		}()
	}

	emitFinals(t, svc, conn, "a", "turn", "one")
	ack()
	first := svc.FinalizeTranscript(context.Background(), "a")
	if first != "turn one" {
		t.Fatalf("first turn = %q", first)
	}

	// Wait out the reset window so the next turn starts clean.
	waitUntil(t, time.Second, func() bool {
		return !svc.registry.Get("a").IsFinalizing()
	}, "finalizing flag reset")

	emitFinals(t, svc, conn, "a", "turn", "two")
	ack()
	second := svc.FinalizeTranscript(context.Background(), "a")
	if second != "turn two" {
		t.Fatalf("second turn = %q (first turn must not leak)", second)
	}

	if client.ConnectCallCount() != 1 {
		t.Fatalf("ConnectCallCount = %d, want 1 (same connection across turns)", client.ConnectCallCount())
	}
	if svc.Metrics().TotalSessionsCreated != 1 {
		t.Fatal("turn boundary created a session")
	}
}

// After a turn the provider may close the stream for good. The session stays
// logically open: the next turn's audio must bring up a fresh connection and
// the relay keeps transcribing.
func TestService_NextTurnAfterProviderClose(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]

	ack := func(c *mock.Conn) {
		go func() {
			calls := c.FinalizeCallCount()
			deadline := time.Now().Add(time.Second)
			for c.FinalizeCallCount() == calls {
				if time.Now().After(deadline) {
					return
				}
				time.Sleep(time.Millisecond)
			}
			c.Emit(upstream.Event{Kind: upstream.EventMetadata})
		}()
	}

	emitFinals(t, svc, conn, "a", "turn", "one")
	ack(conn)
	if first := svc.FinalizeTranscript(context.Background(), "a"); first != "turn one" {
		t.Fatalf("first turn = %q", first)
	}

	// Terminator-caused close inside the reset window; no eager reconnect.
	conn.EmitClose(1000, "stream finished")
	waitUntil(t, time.Second, func() bool {
		return !svc.registry.Get("a").IsFinalizing()
	}, "finalizing flag reset")

	// The next turn's audio redials on demand and flows through.
	svc.ForwardChunk("a", []byte("pcm"))
	waitUntil(t, time.Second, func() bool {
		return client.ConnectCallCount() == 2
	}, "on-demand redial for the next turn")
	conn2 := client.Conns()[1]
	waitUntil(t, time.Second, func() bool {
		return conn2.AudioSentCount() == 1
	}, "audio delivery on the new connection")

	emitFinals(t, svc, conn2, "a", "turn", "two")
	ack(conn2)
	if second := svc.FinalizeTranscript(context.Background(), "a"); second != "turn two" {
		t.Fatalf("second turn = %q", second)
	}
}

func TestService_ConcurrentFinalizeJoins(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]
	emitFinals(t, svc, conn, "a", "shared", "result")

	go func() {
		deadline := time.Now().Add(time.Second)
		for conn.FinalizeCallCount() == 0 {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		conn.Emit(upstream.Event{Kind: upstream.EventMetadata})
	}()

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.FinalizeTranscript(context.Background(), "a")
		}()
	}
	wg.Wait()

	for i, r := range results {
		if r != "shared result" {
			t.Fatalf("caller %d got %q", i, r)
		}
	}
	if got := conn.FinalizeCallCount(); got != 1 {
		t.Fatalf("FinalizeCallCount = %d, want 1 (single handshake)", got)
	}
}

// ---- endSession / shutdown ----

func TestService_EndSession(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	conn := client.Conns()[0]
	emitFinals(t, svc, conn, "a", "last", "words")

	got := svc.EndSession("a")
	if got != "last words" {
		t.Fatalf("EndSession = %q", got)
	}
	if svc.SessionCount() != 0 {
		t.Fatal("session still registered")
	}
	if !conn.Closed() {
		t.Fatal("upstream connection left open")
	}

	// Unknown id is a no-op.
	if got := svc.EndSession("a"); got != "" {
		t.Fatalf("second EndSession = %q, want empty", got)
	}
}

func TestService_ShutdownEndsAllSessions(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	mustCreate(t, svc, "b")
	mustCreate(t, svc, "c")

	if err := svc.Shutdown(context.Background(), ShutdownOptions{}); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if svc.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d after shutdown", svc.SessionCount())
	}
	for i, conn := range client.Conns() {
		if !conn.Closed() {
			t.Fatalf("connection %d left open", i)
		}
	}

	// New sessions are rejected while down.
	err := svc.CreateSession(context.Background(), STTConfig{SessionID: "d"})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}

func TestService_ShutdownWithRestart(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")

	if err := svc.Shutdown(context.Background(), ShutdownOptions{Restart: true}); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if svc.SessionCount() != 0 {
		t.Fatal("sessions survived restart")
	}

	// The service accepts sessions again.
	mustCreate(t, svc, "b")
	if svc.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d after restart", svc.SessionCount())
	}
}

// A session whose connection close wedges past the shutdown budget is
// forcibly removed: the shutdown reports the overrun, the accounting still
// runs, and the eventual completion of the stuck teardown does not count the
// session twice.
func TestService_ShutdownForcesStuckSession(t *testing.T) {
	client := &mock.Client{}
	svc := NewService(ServiceConfig{
		Client:           client,
		APIKey:           "k",
		KeepAlivePeriod:  time.Hour,
		ReconnectBackoff: fastBackoff,
		SweepPeriod:      time.Hour,
		ShutdownBudget:   20 * time.Millisecond,
	})
	mustCreate(t, svc, "stuck")

	conn := client.Conns()[0]
	block := make(chan struct{})
	conn.CloseBlock = block

	err := svc.Shutdown(context.Background(), ShutdownOptions{})
	if err == nil {
		t.Fatal("Shutdown reported success despite the forced cleanup")
	}
	if !strings.Contains(err.Error(), "shutdown budget") {
		t.Fatalf("Shutdown error = %v", err)
	}
	if svc.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d after forced shutdown", svc.SessionCount())
	}

	m := svc.Metrics()
	if m.TotalSessionsCleaned != 1 {
		t.Fatalf("TotalSessionsCleaned = %d, want 1", m.TotalSessionsCleaned)
	}

	// Release the wedged close and let the stuck teardown finish; the session
	// must not be counted a second time.
	close(block)
	waitUntil(t, time.Second, conn.Closed, "wedged close to finish")
	time.Sleep(10 * time.Millisecond)
	if got := svc.Metrics().TotalSessionsCleaned; got != 1 {
		t.Fatalf("TotalSessionsCleaned = %d after stuck teardown finished, want 1", got)
	}
}

// ---- sweep ----

func TestService_SweepEndsIdleSessions(t *testing.T) {
	client := &mock.Client{}
	svc := NewService(ServiceConfig{
		Client:           client,
		APIKey:           "k",
		KeepAlivePeriod:  time.Hour,
		ReconnectBackoff: fastBackoff,
		SweepPeriod:      10 * time.Millisecond,
		IdleTimeout:      30 * time.Millisecond,
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background(), ShutdownOptions{}) })

	mustCreate(t, svc, "idle")
	waitUntil(t, 2*time.Second, func() bool {
		return svc.SessionCount() == 0
	}, "idle session to be swept")
}

// ---- metrics / health ----

func TestService_MetricsAggregation(t *testing.T) {
	client := &mock.Client{}
	svc := newTestService(t, client)
	mustCreate(t, svc, "a")
	mustCreate(t, svc, "b")

	svc.ForwardChunk("a", []byte("x"))
	svc.ForwardChunk("a", []byte("y"))
	svc.ForwardChunk("b", []byte("z"))

	m := svc.Metrics()
	if m.ActiveSessions != 2 {
		t.Fatalf("ActiveSessions = %d, want 2", m.ActiveSessions)
	}
	if m.TotalChunksReceived != 3 || m.TotalChunksForwarded != 3 {
		t.Fatalf("chunks = %d/%d, want 3/3", m.TotalChunksReceived, m.TotalChunksForwarded)
	}
	if m.PeakConcurrentSessions != 2 {
		t.Fatalf("PeakConcurrentSessions = %d, want 2", m.PeakConcurrentSessions)
	}
	if m.TotalSessionsCreated != 2 {
		t.Fatalf("TotalSessionsCreated = %d, want 2", m.TotalSessionsCreated)
	}

	// Ending a session reduces active but never the monotonic counters.
	svc.EndSession("a")
	m2 := svc.Metrics()
	if m2.ActiveSessions != 1 {
		t.Fatalf("ActiveSessions = %d after end, want 1", m2.ActiveSessions)
	}
	if m2.TotalSessionsCreated != 2 || m2.TotalSessionsCleaned != 1 {
		t.Fatalf("created/cleaned = %d/%d", m2.TotalSessionsCreated, m2.TotalSessionsCleaned)
	}
	if m2.PeakConcurrentSessions != 2 {
		t.Fatal("peak regressed")
	}
	// The ended session's counters fold into the totals instead of vanishing.
	if m2.TotalChunksReceived != 3 || m2.TotalChunksForwarded != 3 {
		t.Fatalf("chunks = %d/%d after end, want 3/3",
			m2.TotalChunksReceived, m2.TotalChunksForwarded)
	}

	svc.EndSession("b")
	m3 := svc.Metrics()
	if m3.TotalChunksReceived != 3 || m3.TotalChunksForwarded != 3 {
		t.Fatalf("chunks = %d/%d with no live sessions, want 3/3",
			m3.TotalChunksReceived, m3.TotalChunksForwarded)
	}
	if m3.AverageSessionDuration <= 0 {
		t.Fatal("average session duration lost with the ended sessions")
	}
}

func TestService_ForwardChunkUnknownSession(t *testing.T) {
	svc := newTestService(t, &mock.Client{})
	// Must not panic or error.
	svc.ForwardChunk("ghost", []byte("x"))
}

func TestService_IsHealthy(t *testing.T) {
	if svc := newTestService(t, &mock.Client{}); !svc.IsHealthy() {
		t.Fatal("healthy service reported unhealthy")
	}

	svc := NewService(ServiceConfig{Client: &mock.Client{}, SweepPeriod: time.Hour})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background(), ShutdownOptions{}) })
	if svc.IsHealthy() {
		t.Fatal("service without credential reported healthy")
	}
}
