package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/revguard/revguard/internal/accesschecks"
	"github.com/revguard/revguard/internal/alerting"
	"github.com/revguard/revguard/internal/api"
	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/crypto"
	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/entitlements"
	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/health"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/ingest"
	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/providers"
	"github.com/revguard/revguard/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "revguard",
	Short:   "RevGuard - subscription billing observability",
	Long:    `RevGuard ingests billing webhooks from Stripe, Apple, Google, and Recurly, projects entitlements, and detects revenue leaks`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("RevGuard %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config is loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "revguard"})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "revguard"})
	log.Info().Str("version", Version).Msg("Starting RevGuard")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Error().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
		os.Exit(1)
	}

	cryptoMgr, err := crypto.NewManager(cfg.EncryptionKey, cfg.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize secret encryption")
		os.Exit(1)
	}

	s, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		// Drift needs operator intervention, not a restart loop.
		if errors.Is(err, apperrors.ErrMigrationDrift) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := providers.NewRegistry()
	dispatcher := alerting.NewDispatcher(s, alerting.NewLogSink())
	issueSvc := issues.NewService(s, dispatcher)
	resolver := identity.NewResolver(s)
	projector := entitlements.NewProjector(s)
	engine := detect.NewEngine(s, issueSvc)

	pool := ingest.NewPool(s, registry, resolver, projector, engine, issueSvc, cryptoMgr, cfg)
	pool.Start(ctx)
	pool.RecoverPending(ctx)

	scheduler := detect.NewScheduler(s, engine, projector, issueSvc, cfg)
	scheduler.Start(ctx)

	router := api.NewRouter(s, pool, registry, issueSvc, accesschecks.NewService(s), health.NewService(s))
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown was not clean")
	}

	scheduler.Stop()
	pool.Stop()
	log.Info().Msg("RevGuard stopped")
}
