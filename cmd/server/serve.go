package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"portfolio-session-server/internal/auth"
	"portfolio-session-server/internal/browser"
	"portfolio-session-server/internal/config"
	"portfolio-session-server/internal/hub"
	"portfolio-session-server/internal/middleware"
	"portfolio-session-server/internal/server"
	"portfolio-session-server/internal/session"
	"portfolio-session-server/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the session maintenance loops",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	gin.SetMode(cfg.GinMode)

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("open snapshot repository: %w", err)
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		_ = repo.Close()
		return err
	}
	st := store.New(store.Options{Repository: repo, Sealer: sealer, Logger: log.Named("store")})
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close snapshot repository", zap.Error(err))
		}
	}()

	bcfg := browser.DefaultConfig()
	bcfg.BinPath = cfg.BrowserBin
	bcfg.Headless = cfg.BrowserHeadless
	bcfg.ScreenshotDir = cfg.BrowserScreenshotDir
	if cfg.BrokerURL != "" {
		bcfg.BaseURL = cfg.BrokerURL
	}
	factory, err := browser.NewFactory(cfg.BrowserEngine, bcfg, log.Named("browser"))
	if err != nil {
		return err
	}

	wsHub := hub.New(log.Named("hub"))
	manager := session.NewManager(session.Options{
		Store:               st,
		Factory:             factory,
		Logger:              log.Named("session"),
		Notifier:            wsHub,
		MaxBrowsers:         cfg.MaxBrowsers,
		MaxQueueWait:        cfg.MaxQueueWait,
		TwoFactorTTL:        cfg.TwoFactorTTL,
		MaintenanceInterval: cfg.MaintenanceInterval,
		MaintenanceTimeout:  cfg.MaintenanceTimeout,
		ReapAfter:           cfg.ReapAfter,
		ReapInterval:        cfg.ReapInterval,
		SnapshotInterval:    cfg.SnapshotInterval,

		TwoFactorSweepInterval: cfg.TwoFactorSweepInterval,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := manager.LoadSnapshot(ctx); err != nil {
		// Unreadable sessions are dropped; clients log in again.
		log.Error("restore sessions", zap.Error(err))
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerHour, time.Hour)
	defer limiter.Close()

	tokenCfg := auth.DefaultTokenConfig(cfg.APIKey)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{
		Sessions:    manager,
		Hub:         wsHub,
		TokenConfig: tokenCfg,
		Limiter:     limiter,
		Logger:      log.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg, router, log) })
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	defer cancel()
	return errors.Join(runErr, manager.Shutdown(shutdownCtx))
}

// shutdownBudget leaves room for a queued request to get its turn and for
// the browser work it then does.
func shutdownBudget(cfg config.Config) time.Duration {
	budget := cfg.MaxQueueWait + cfg.MaintenanceTimeout
	if budget < 30*time.Second {
		budget = 30 * time.Second
	}
	return budget
}
