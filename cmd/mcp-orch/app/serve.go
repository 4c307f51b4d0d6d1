package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-orch/mcp-orch/pkg/auth"
	"github.com/mcp-orch/mcp-orch/pkg/bridge"
	"github.com/mcp-orch/mcp-orch/pkg/config"
	"github.com/mcp-orch/mcp-orch/pkg/crypto"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/orchestrator"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
	"github.com/mcp-orch/mcp-orch/pkg/session"
	"github.com/mcp-orch/mcp-orch/pkg/telemetry"
)

// shutdownGrace bounds the orderly teardown after a termination signal.
const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Serve the multi-tenant SSE endpoint. Backend servers come from the
registry database; sessions to them are built on demand and reclaimed when idle.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	envelope, err := crypto.NewEnvelope(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}

	db, err := registry.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open registry database: %w", err)
	}
	defer db.Close()
	reg := registry.NewRegistry(db, envelope)

	metrics := telemetry.NewCollector()

	manager := session.NewManager(reg, session.Config{
		IdleTimeout:          cfg.SessionTimeout,
		AllowPrivateBackends: cfg.AllowPrivateBackends,
	}, session.WithObserver(metrics))
	janitor := session.NewJanitor(manager, cfg.CleanupInterval)

	orch := orchestrator.New(manager, reg, metrics)
	verifier := auth.NewVerifier(cfg.AuthSecret)
	if !verifier.Enabled() {
		logger.Warn("AUTH_SECRET is empty; bearer token verification is disabled")
	}

	b := bridge.New(orch, manager, reg, verifier, metrics)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("mcp-orch listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	notifyCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-notifyCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop accepting clients first, then drain the backends.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown incomplete: %v", err)
	}
	b.Close()
	janitor.Stop()
	manager.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
