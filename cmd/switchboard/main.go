// Command switchboard runs the voice call relay server.
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

	"github.com/switchboard-voice/switchboard/internal/callstore"
	"github.com/switchboard-voice/switchboard/internal/config"
	"github.com/switchboard-voice/switchboard/internal/observe"
	"github.com/switchboard-voice/switchboard/internal/retrieval"
	"github.com/switchboard-voice/switchboard/internal/server"
	"github.com/switchboard-voice/switchboard/internal/summary"
	"github.com/switchboard-voice/switchboard/pkg/openairt"
	twiliorest "github.com/switchboard-voice/switchboard/pkg/twilio/rest"
)

// version is overridden at build time via -ldflags.
var version = "dev"

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
			fmt.Fprintf(os.Stderr, "switchboard: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it live.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("switchboard starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"public_host", cfg.Server.PublicHost,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "switchboard",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Model client ──────────────────────────────────────────────────────────
	var modelOpts []openairt.Option
	if cfg.Model.Model != "" {
		modelOpts = append(modelOpts, openairt.WithModel(cfg.Model.Model))
	}
	if cfg.Model.BaseURL != "" {
		modelOpts = append(modelOpts, openairt.WithBaseURL(cfg.Model.BaseURL))
	}
	model := openairt.New(cfg.Model.APIKey, modelOpts...)

	// ── Optional components ───────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	}

	var store *callstore.PostgresStore
	if cfg.Storage.PostgresDSN != "" {
		store, err = callstore.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("call store init failed", "err", err)
			return 1
		}
		defer store.Close()
		srvOpts = append(srvOpts, server.WithStore(store))
		slog.Info("call store connected")
	} else {
		slog.Warn("no postgres_dsn configured, calls will not be persisted")
	}

	if cfg.Retrieval.Endpoint != "" {
		retr := retrieval.New(cfg.Retrieval.Endpoint, cfg.Retrieval.APIKey,
			retrieval.WithLogger(logger),
			retrieval.WithMetrics(metrics),
		)
		srvOpts = append(srvOpts, server.WithRetrieval(retr))
		slog.Info("knowledge retrieval enabled", "endpoint", cfg.Retrieval.Endpoint)
	}

	if cfg.Summary.Model != "" {
		summ := summary.New(cfg.Model.APIKey,
			summary.WithModel(cfg.Summary.Model),
			summary.WithMetrics(metrics),
		)
		srvOpts = append(srvOpts, server.WithSummarizer(summ))
		slog.Info("call summarisation enabled", "model", cfg.Summary.Model)
	}

	if cfg.Telephony.AccountSID != "" {
		tele := twiliorest.New(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken)
		srvOpts = append(srvOpts, server.WithTelephony(tele))
	}

	srv := server.New(cfg, model, srvOpts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Any() {
			return
		}
		if diff.LogLevelChanged {
			levelVar.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.RetrievalChanged {
			if new.Retrieval.Endpoint == "" {
				srv.UpdateRetrieval(nil)
				slog.Info("knowledge retrieval disabled")
			} else {
				srv.UpdateRetrieval(retrieval.New(new.Retrieval.Endpoint, new.Retrieval.APIKey,
					retrieval.WithLogger(logger),
					retrieval.WithMetrics(metrics),
				))
				slog.Info("knowledge retrieval endpoint changed", "endpoint", new.Retrieval.Endpoint)
			}
		}
		srv.UpdateConfig(new)
		slog.Info("configuration reloaded", "model_changed", diff.ModelChanged)
	})
	if err != nil {
		slog.Error("config watcher init failed", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down")
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
