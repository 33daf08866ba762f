package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/auth"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/config"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/fsprobe"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/handlers"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/middleware"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/tracker"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event server and work queue",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("hosting_url", logging.SanitizeURL(cfg.Hosting.URL)),
		zap.String("hosting_root", cfg.Storage.HostingRoot),
		zap.Int("workers", cfg.Queue.Workers))

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunPoolMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	queue := workqueue.New(logger,
		workqueue.WithStrategy(workqueue.NewPerKindStrategy(cfg.Queue.Workers, map[string]int{
			// Link polling is slow and bursty; keep room for membership work.
			services.TaskKindRepositoryLink: max(1, cfg.Queue.Workers/2),
		})),
		workqueue.WithObserver(m),
	)

	app, err := buildApp(cfg, db, queue, m, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	app.registerRoutes(mux, cfg, db, queue)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.Instrument(logger, m)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting ekaya-gitsync", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(err))
		}
		if err := queue.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Work queue did not drain before shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// app holds the wired services the HTTP surface depends on.
type app struct {
	mappings     services.GroupMappingIndex
	orchestrator services.Orchestrator
	events       services.TrackerEventService
	hostingAdmin services.HostingAdminService
	auth         *auth.Middleware
	logger       *zap.Logger
}

func buildApp(cfg *config.Config, db *database.DB, queue *workqueue.Queue, m *metrics.Metrics, logger *zap.Logger) (*app, error) {
	projectRepo := repositories.NewTrackerProjectRepository(db)
	userRepo := repositories.NewTrackerUserRepository(db)
	membershipRepo := repositories.NewMembershipRepository(db)
	mappingRepo := repositories.NewProjectMappingRepository(db)
	identityRepo := repositories.NewIdentityMappingRepository(db)
	recordRepo := repositories.NewRepositoryRecordRepository(db)

	hostingClient := newHostingClient(cfg, logger)
	trackerClient := tracker.NewClient(config.ResolveURLForDocker(cfg.Tracker.URL), cfg.Tracker.WSKey, logger)

	mappings := services.NewGroupMappingIndex(mappingRepo, projectRepo, logger)
	calculator := services.NewAccessLevelCalculator(mappings, membershipRepo, logger)
	resolver := services.NewIdentityResolver(identityRepo, hostingClient, m, logger)
	reconciler := services.NewMembershipReconciler(userRepo, resolver, calculator, hostingClient, m, logger)
	linker := services.NewRepositoryLinker(
		services.LinkerConfig{HostingRoot: cfg.Storage.HostingRoot, TrackerRoot: cfg.Storage.TrackerRoot},
		fsprobe.OS{}, recordRepo, projectRepo, hostingClient, trackerClient, m, logger)
	memberSync := services.NewGroupMemberSync(membershipRepo, userRepo, calculator, reconciler, 0, logger)

	links := services.TrackerLinks{ExternalURL: cfg.Tracker.ExternalURL}
	badges := services.NewGroupBadgeManager(hostingClient, links, cfg.Tracker.BadgeName, logger)
	integration := services.NewProjectIntegration(hostingClient, links, logger)

	orchestrator := services.NewOrchestrator(
		services.OrchestratorConfig{
			MembershipPolicy: retry.Exponential{
				Attempts:     cfg.Queue.MembershipAttempts,
				InitialDelay: cfg.Queue.InitialBackoff,
				MaxDelay:     cfg.Queue.MaxBackoff,
				Multiplier:   2.0,
				JitterFactor: 0.1,
			},
			LinkPolicy:           retry.RepositoryLinkSchedule(),
			ConfigureIntegration: cfg.Tracker.ConfigureIntegration,
		},
		queue, projectRepo, resolver, reconciler, linker, memberSync, badges, integration, logger)

	events := services.NewTrackerEventService(db, projectRepo, userRepo, membershipRepo,
		mappings, calculator, orchestrator, hostingClient, logger)

	verifier, err := auth.NewHMACVerifier(&auth.VerifierConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		Issuer:             cfg.Auth.EventIssuer,
		SigningKey:         []byte(cfg.Auth.EventSigningKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	if !cfg.Auth.EnableVerification {
		logger.Warn("Event token verification is disabled")
	}

	return &app{
		mappings:     mappings,
		orchestrator: orchestrator,
		events:       events,
		hostingAdmin: services.NewHostingAdminService(hostingClient, mappings, logger),
		auth:         auth.NewMiddleware(auth.NewAuthService(verifier, logger), logger),
		logger:       logger,
	}, nil
}

func (a *app) registerRoutes(mux *http.ServeMux, cfg *config.Config, db *database.DB, queue *workqueue.Queue) {
	validate := validator.New()

	handlers.NewHealthHandler(cfg, db, queue, a.logger).RegisterRoutes(mux)
	handlers.NewEventsHandler(a.events, validate, a.logger).RegisterRoutes(mux, a.auth)
	handlers.NewAdminHandler(a.events, a.mappings, a.orchestrator, a.hostingAdmin, queue, validate, a.logger).
		RegisterRoutes(mux, a.auth)
}

func newHostingClient(cfg *config.Config, logger *zap.Logger) hosting.Client {
	return hosting.NewClient(hosting.Config{
		BaseURL:           config.ResolveURLForDocker(cfg.Hosting.URL),
		Token:             cfg.Hosting.Token,
		Timeout:           cfg.Hosting.Timeout,
		RequestsPerSecond: cfg.Hosting.RequestsPerSecond,
		Burst:             cfg.Hosting.Burst,
		Provider:          cfg.Hosting.ExternalIdentityProvider,
	}, logger)
}
