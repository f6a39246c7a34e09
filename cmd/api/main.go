package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nyashahama/early-warning-analyst-backend/internal/ai"
	"github.com/nyashahama/early-warning-analyst-backend/internal/api"
	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/config"
	"github.com/nyashahama/early-warning-analyst-backend/internal/notify"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/telemetry"
	"github.com/nyashahama/early-warning-analyst-backend/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	if len(os.Args) > 1 {
		if err := runAdmin(os.Args[1:], os.Stdin, os.Stdout); err != nil {
			logger.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// newLogger returns JSON in production and text otherwise. An explicit level
// overrides the environment default.
func newLogger(env, level string) *slog.Logger {
	lvl := slog.LevelDebug
	if env == "production" {
		lvl = slog.LevelInfo
	}
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "store", cfg.StoreBackend)

	// Root context cancelled by OS signal.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "early-warning-analyst",
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// ── Store ─────────────────────────────────────────────────────────────────
	docs, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	// ── AI ────────────────────────────────────────────────────────────────────
	gen, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("ai: %w", err)
	}

	instructions := pipeline.DefaultInstructions()
	overrides, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return err
	}
	if instructions, err = instructions.WithOverrides(overrides); err != nil {
		return err
	}
	if len(overrides) > 0 {
		logger.Info("stage instructions overridden", "file", cfg.PromptsFile, "stages", len(overrides))
	}

	seq := pipeline.NewSequencer(gen, pipeline.SequencerConfig{
		StageTimeout: cfg.StageTimeout,
		Instructions: instructions,
	}, logger)

	// ── Notify (Resend) ───────────────────────────────────────────────────────
	var notifier notify.Sender = notify.Nop{}
	if cfg.NotifyEnabled() {
		notifier = notify.NewResendClient(notify.ResendConfig{
			APIKey:   cfg.ResendAPIKey,
			FromAddr: cfg.EmailFromAddr,
			FromName: cfg.EmailFromName,
			To:       cfg.NotifyTo,
			BaseURL:  cfg.BaseURL,
		})
		logger.Info("notify: run emails enabled", "recipients", len(cfg.NotifyTo))
	}

	// ── Auth ──────────────────────────────────────────────────────────────────
	verifier := auth.NewVerifier(cfg.DeletePasswordHash, cfg.AdminJWTSecret)
	if !verifier.Enabled() {
		logger.Warn("auth: no DELETE_PASSWORD_HASH or ADMIN_JWT_SECRET set; deletes are disabled")
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	svc := worker.New(worker.Deps{
		Pipeline: seq,
		Store:    docs,
		Notifier: notifier,
		Verifier: verifier,
	}, worker.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		StreamRetention:   cfg.StreamRetention,
		SweepInterval:     cfg.SweepInterval,
	}, logger)

	// ── HTTP + gRPC on one port ───────────────────────────────────────────────
	handler := api.NewServer(svc, api.Config{
		Env:           cfg.Env,
		AllowedOrigin: cfg.BaseURL,
	}, logger)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second, // streams lift this per response
		IdleTimeout:       120 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := cmux.New(lis)
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", lis.Addr().String(), "version", version)
		if err := srv.Serve(httpL); err != nil && !isClosed(err) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(grpcL); err != nil && !isClosed(err) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := mux.Serve(); err != nil && !isClosed(err) {
			return fmt.Errorf("cmux: %w", err)
		}
		return nil
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		healthSrv.Shutdown()

		var errs []error

		// Give in-flight HTTP requests up to 20 seconds to finish. Open streams
		// that outlive that are cut.
		httpCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Warn("http shutdown timed out; closing open streams", "error", err)
			_ = srv.Close()
		}
		grpcSrv.GracefulStop()
		mux.Close()

		// Runs get their own budget to persist a terminal state.
		runCtx, cancelRuns := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelRuns()
		if err := svc.Shutdown(runCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// isClosed reports whether err is the expected result of closing a listener
// or server during shutdown.
func isClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed)
}

// newGenerator builds the primary generator and, when a second provider is
// configured, wraps both in a fallback.
func newGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ai.Generator, error) {
	build := func(name string) (ai.Generator, error) {
		switch name {
		case config.ProviderAnthropic:
			return ai.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens), nil
		case config.ProviderDeepSeek:
			return ai.NewDeepSeekClient(cfg.DeepSeekAPIKey, cfg.DeepSeekModel, cfg.MaxTokens), nil
		case config.ProviderGemini:
			return ai.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxTokens)
		}
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	primary, err := build(cfg.AIPrimary)
	if err != nil {
		return nil, err
	}
	fallback := cfg.FallbackProvider()
	if fallback == "" {
		logger.Info("ai: single provider", "primary", cfg.AIPrimary)
		return primary, nil
	}
	secondary, err := build(fallback)
	if err != nil {
		return nil, err
	}
	logger.Info("ai: provider with fallback", "primary", cfg.AIPrimary, "fallback", fallback)
	return ai.NewFallbackGenerator(primary, secondary, logger), nil
}
