package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dealescrow/config"
	"dealescrow/core/events"
	"dealescrow/core/state"
	"dealescrow/crypto"
	"dealescrow/native/escrow"
	"dealescrow/observability"
	"dealescrow/observability/logging"
	telemetry "dealescrow/observability/otel"
	"dealescrow/rpc"
	"dealescrow/storage"
	"dealescrow/storage/auditlog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file (.toml, .yaml or .yml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	secret, err := cfg.LoadCustodySecret()
	if err != nil {
		return fmt.Errorf("load custody secret: %w", err)
	}
	caps, err := escrow.NewCapabilityIssuer(secret)
	if err != nil {
		return err
	}
	scheme, err := crypto.ParseScheme(cfg.SignatureScheme)
	if err != nil {
		return err
	}
	verifier, err := crypto.NewVerifier(scheme)
	if err != nil {
		return err
	}

	ledger := state.NewManager(db)
	engine := escrow.NewEngine(ledger, verifier, caps)

	hub := events.NewHub(cfg.EventHistory)
	hub.AddSink(observability.Events())
	var audit *auditlog.Store
	if cfg.AuditLog.Enabled {
		audit, err = auditlog.Open(cfg.AuditLog.Driver, cfg.AuditLog.DSN)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() {
			if err := audit.Close(); err != nil {
				logger.Warn("close audit log", slog.Any("error", err))
			}
		}()
		audit.SetLogger(logger.With(slog.String("component", "auditlog")))
		hub.AddSink(audit)
	}
	engine.SetEmitter(hub)

	srv, err := rpc.NewServer(engine, ledger, rpc.ServerConfig{
		ServiceName: "escrowd",
		Auth: rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		},
		RateLimit: rpc.RateLimitConfig{
			RatePerSecond: cfg.RateLimit.RatePerSecond,
			Burst:         cfg.RateLimit.Burst,
		},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger.With(slog.String("component", "rpc")),
	})
	if err != nil {
		return err
	}
	if audit != nil {
		srv.SetEventLog(audit)
	}
	srv.SetEventStream(hub)

	logger.Info("escrow engine ready",
		slog.String("scheme", string(scheme)),
		slog.String("ledger", cfg.LedgerPath()),
		slog.Bool("audit", audit != nil))

	readHeader, read, write, idle := cfg.Server.Timeouts()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ListenAddress, readHeader, read, write, idle)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rpc shutdown: %w", err)
	}
	return nil
}
