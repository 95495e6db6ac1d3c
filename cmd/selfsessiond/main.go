// Command selfsessiond runs the bounded-execution session runtime: the
// HTTP API, the audit chain with its sqlite sink, and the timer loop that
// drives silence pauses and TTL expiry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aural-labs/selfsession/pkg/api"
	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/authority"
	"github.com/aural-labs/selfsession/pkg/config"
	"github.com/aural-labs/selfsession/pkg/confirmation"
	"github.com/aural-labs/selfsession/pkg/observability"
	"github.com/aural-labs/selfsession/pkg/session"
)

const pollInterval = 1 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("selfsessiond failed", "error", err)
		os.Exit(1)
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return err
		}
		if err := cfg.Apply(profile); err != nil {
			return err
		}
		logger.Info("ceremony profile applied", "profile", profile.Code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "selfsession",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	chainOpts := []audit.Option{audit.WithLogger(logger)}
	var store *audit.SQLiteStore
	if cfg.AuditDBPath != "" {
		store, err = audit.OpenSQLiteStore(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer store.Close()
		chainOpts = append(chainOpts, audit.WithSink(store))
	}
	chain := audit.NewChain(chainOpts...)

	if store != nil {
		entries, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("audit load: %w", err)
		}
		if len(entries) > 0 {
			if err := chain.Restore(entries); err != nil {
				return err
			}
			logger.Info("audit chain restored", "entries", len(entries))
		}
	}

	auth := authority.NewManager(chain)
	confirm := confirmation.NewManager(chain, cfg.ConfirmationTTL, cfg.MinHold)

	var signer *authority.WireSigner
	if cfg.RootSecret != "" {
		signer, err = authority.NewWireSigner([]byte(cfg.RootSecret))
		if err != nil {
			return fmt.Errorf("wire signer: %w", err)
		}
	}

	var exec session.Executor // nil: steps are acknowledged, not performed
	lanes := api.NewLaneManager(cfg, chain, auth, confirm, signer, exec, wallClock{}, logger)

	svc, err := api.NewService(lanes, audit.NewExporter(chain), obs)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Routes(api.NewGlobalRateLimiter(20, 40)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				lanes.PollAll(now)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("selfsessiond listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	lanes.TerminateAll("host shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
