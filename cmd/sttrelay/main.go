// Command sttrelay runs the STT relay server: an operations endpoint around
// the relay core plus health and metrics surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voicewire/sttrelay/internal/config"
	"github.com/voicewire/sttrelay/internal/health"
	"github.com/voicewire/sttrelay/internal/observe"
	"github.com/voicewire/sttrelay/internal/relay"
	"github.com/voicewire/sttrelay/pkg/upstream/deepgram"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sttrelay: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sttrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sttrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sttrelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Upstream client ───────────────────────────────────────────────────────
	var dgOpts []deepgram.Option
	if cfg.Deepgram.Model != "" {
		dgOpts = append(dgOpts, deepgram.WithModel(cfg.Deepgram.Model))
	}
	if cfg.Deepgram.Language != "" {
		dgOpts = append(dgOpts, deepgram.WithLanguage(cfg.Deepgram.Language))
	}
	if cfg.Deepgram.SampleRate != 0 {
		dgOpts = append(dgOpts, deepgram.WithSampleRate(cfg.Deepgram.SampleRate))
	}
	if cfg.Deepgram.Endpoint != "" {
		dgOpts = append(dgOpts, deepgram.WithEndpoint(cfg.Deepgram.Endpoint))
	}
	client, err := deepgram.New(cfg.Deepgram.APIKey, dgOpts...)
	if err != nil {
		slog.Error("failed to create upstream client", "err", err)
		return 1
	}

	// ── Relay service ─────────────────────────────────────────────────────────
	svc := relay.NewService(relay.ServiceConfig{
		Client:            client,
		APIKey:            cfg.Deepgram.APIKey,
		DefaultModel:      cfg.Deepgram.Model,
		DefaultLanguage:   cfg.Deepgram.Language,
		DefaultSampleRate: cfg.Deepgram.SampleRate,
		ConnectTimeout:    cfg.Session.ConnectTimeout.Std(),
		KeepAlivePeriod:   cfg.Session.KeepAlivePeriod.Std(),
		FinalizeWait:      cfg.Session.FinalizeWait.Std(),
		IdleTimeout:       cfg.Session.IdleTimeout.Std(),
		HardTimeout:       cfg.Session.HardTimeout.Std(),
		SweepPeriod:       cfg.Session.SweepPeriod.Std(),
		Metrics:           metrics,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	hc := health.New(health.Checker{
		Name: "relay",
		Check: func(context.Context) error {
			if !svc.IsHealthy() {
				return errors.New("upstream credential missing")
			}
			return nil
		},
	})
	hc.Register(mux)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := svc.Shutdown(shutdownCtx, relay.ShutdownOptions{}); err != nil {
		slog.Error("relay shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
