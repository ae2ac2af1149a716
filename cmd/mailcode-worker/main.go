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

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailcode-worker/internal/api"
	"github.com/vipul43/mailcode-worker/internal/config"
	"github.com/vipul43/mailcode-worker/internal/database"
	"github.com/vipul43/mailcode-worker/internal/events"
	"github.com/vipul43/mailcode-worker/internal/extract"
	"github.com/vipul43/mailcode-worker/internal/gmail"
	"github.com/vipul43/mailcode-worker/internal/graph"
	"github.com/vipul43/mailcode-worker/internal/imapmail"
	"github.com/vipul43/mailcode-worker/internal/models"
	"github.com/vipul43/mailcode-worker/internal/repository"
	"github.com/vipul43/mailcode-worker/internal/service"
	"github.com/vipul43/mailcode-worker/internal/token"
	"github.com/vipul43/mailcode-worker/internal/watcher"
)

func main() {
	logger := logrus.New()
	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("Application error")
	}
}

func run(logger *logrus.Logger) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := configureLogger(logger, cfg); err != nil {
		return err
	}

	if cfg.LockFile != "" {
		lock := flock.New(cfg.LockFile)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire lock file: %w", err)
		}
		if !locked {
			return fmt.Errorf("another instance holds %s", cfg.LockFile)
		}
		defer lock.Unlock()
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer database.Close(db)

	logger.Info("Database connected successfully")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("Migrations completed successfully")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	codeRepo := repository.NewCodeRepository(db)

	// Token broker, rotated refresh tokens are written back to the account
	refresher := token.NewOAuthRefresher(token.OAuthConfig{
		MicrosoftTenant:    cfg.MicrosoftTenant,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
	})
	broker := token.NewBroker(refresher, accountRepo, cfg.TokenExpirySkewDuration(), logger)

	fetchers := service.Fetchers{
		models.ProviderOutlook:     graph.NewClient(graph.DefaultBaseURL, cfg.GraphRequestsPerSec, logger),
		models.ProviderOutlookIMAP: imapmail.NewClient(imapmail.DefaultAddr, logger),
		models.ProviderGmail:       gmail.NewClient("", logger),
	}

	rules, err := extract.LoadRules(cfg.ExtractorRulesFile)
	if err != nil {
		return err
	}
	extractor, err := extract.NewExtractor(rules)
	if err != nil {
		return err
	}

	hub := events.NewHub(logger)

	monitor := service.NewAccountMonitor(
		accountRepo,
		ledgerRepo,
		codeRepo,
		broker,
		fetchers,
		extractor,
		hub,
		logger,
		service.MonitorConfig{Lookback: cfg.Lookback(), Top: cfg.FetchTop},
	)

	// Initialize watcher
	w, err := watcher.New(watcher.Config{
		MaxConcurrent:     cfg.MaxConcurrentMonitors,
		DefaultInterval:   cfg.PollIntervalDuration(),
		DiscoveryInterval: cfg.PollIntervalDuration(),
	}, accountRepo, monitor, hub, logger)
	if err != nil {
		return err
	}

	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: api.NewRouter(api.Deps{
				Scheduler:       w,
				Codes:           codeRepo,
				Accounts:        accountRepo,
				DefaultInterval: cfg.PollIntervalDuration(),
				Logger:          logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 2)
	go func() {
		errChan <- w.Start(ctx)
	}()

	if server != nil {
		go func() {
			logger.WithField("addr", cfg.HTTPAddr).Info("Control API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("control API: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
		defer shutdownCancel()

		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Control API shutdown failed")
			}
		}

		select {
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Watcher error")
			}
		}

		logger.Info("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}

func configureLogger(logger *logrus.Logger, cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stdout)

	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	return nil
}
