package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pdfbot/internal/api"
	"pdfbot/internal/auth"
	"pdfbot/internal/capability"
	"pdfbot/internal/config"
	"pdfbot/internal/files"
	"pdfbot/internal/logging"
	"pdfbot/internal/models"
	"pdfbot/internal/operations"
	"pdfbot/internal/ratelimit"
	"pdfbot/internal/redis"
	"pdfbot/internal/service/dispatch"
	"pdfbot/internal/service/stats"
	"pdfbot/internal/session"
	"pdfbot/internal/storage"
	"pdfbot/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgFile string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pdfbot",
	Short:         "Session orchestrator for a chat bot that transforms PDF and image files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			cfgFile = os.Getenv("PDFBOT_CONFIG")
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger = logging.New(cfg.Log, os.Stdout)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP adapter and the session workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete stored files older than the retention age and prune old operation records",
	RunE: func(cmd *cobra.Command, args []string) error {
		fm, err := newFileManager(capability.NewToolkit(logging.Component(logger, "capability")))
		if err != nil {
			return err
		}
		removed, err := fm.Sweep(cfg.Limits.RetentionAge())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		logger.Info().Int("removed", removed).Str("root", fm.Root()).Msg("sweep finished")

		if pruneRecords <= 0 {
			return nil
		}
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		pruned, err := stats.NewService(db).Prune(cmd.Context(), time.Now().Add(-pruneRecords))
		if err != nil {
			return err
		}
		logger.Info().Int64("pruned", pruned).Dur("older_than", pruneRecords).Msg("operation records pruned")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the operation record tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info().Str("driver", cfg.BasicConfig.Database).Msg("database migrated")
		return nil
	},
}

var pruneRecords time.Duration

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: $PDFBOT_CONFIG or config.json)")
	sweepCmd.Flags().DurationVar(&pruneRecords, "prune-records", 0, "also delete operation records older than this age")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDatabase() (*sql.DB, error) {
	dbType := cfg.BasicConfig.Database
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func newFileManager(inspector files.Inspector) (*files.Manager, error) {
	fm, err := files.NewManager(cfg.BasicConfig.StorageRoot, files.Limits{
		MaxFileSize: cfg.Limits.MaxFileSizeBytes(),
		MaxPages:    cfg.Limits.MaxPages,
	}, inspector, logging.Component(logger, "files"))
	if err != nil {
		return nil, fmt.Errorf("init file manager: %w", err)
	}
	return fm, nil
}

// connectRedis returns nil when redis is disabled or unreachable; every
// consumer falls back to in-process state.
func connectRedis() *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, running single instance")
		return nil
	}
	return rdb
}

func serve(ctx context.Context) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	statsService := stats.NewService(db)

	toolkit := capability.NewToolkit(logging.Component(logger, "capability"))
	fm, err := newFileManager(toolkit)
	if err != nil {
		return err
	}
	fm.StartSweeper(ctx, cfg.Limits.SweepEvery(), cfg.Limits.RetentionAge())

	registry, err := operations.NewDefaultRegistry(toolkit.Capabilities(), operations.CatalogOptions{
		MaxFiles: cfg.Limits.MaxFilesPerOperation,
		Enabled: func(kind models.OperationKind) bool {
			return cfg.FeatureEnabled(string(kind))
		},
	})
	if err != nil {
		return fmt.Errorf("build operation registry: %w", err)
	}
	executor := dispatch.NewDispatcher(registry, fm, statsService, cfg.Limits.MaxPages, logging.Component(logger, "dispatch"))

	rdb := connectRedis()
	defer rdb.Close()

	outbox := worker.NewOutbox(0, cfg.Limits.RetentionAge())
	outbox.StartExpiry(ctx, cfg.Limits.SweepEvery(), logging.Component(logger, "outbox"))
	manager, err := worker.NewManager(worker.Dependencies{
		Executor: executor,
		Files:    fm,
		Session: session.Config{
			Registry:           registry,
			MaxPages:           cfg.Limits.MaxPages,
			MaxInvalidAttempts: cfg.Limits.MaxInvalidAttempts,
			Logger:             logging.Component(logger, "session"),
		},
		Notifier: outbox,
		Limiter:  ratelimit.New(rdb, cfg.Limits.RequestsPerMinute, cfg.Limits.RequestsPerHour, logging.Component(logger, "ratelimit")),
		Redis:    rdb,
		Logger:   logging.Component(logger, "worker"),
	}, worker.DispatcherConfig{
		MinWorkers:    cfg.BasicConfig.MinWorkers,
		MaxWorkers:    cfg.BasicConfig.MaxWorkers,
		QueueSize:     cfg.BasicConfig.QueueSize,
		WorkerIdle:    cfg.BasicConfig.WorkerIdle(),
		MaxConcurrent: cfg.Limits.MaxConcurrentDispatches,
		SessionIdle:   cfg.Limits.IdleTimeout(),
	})
	if err != nil {
		return fmt.Errorf("init worker manager: %w", err)
	}

	authService := auth.NewService(cfg.Admin, cfg.Webhook)
	if !authService.WebhookEnabled() {
		logger.Warn().Msg("webhook secret not set, event endpoints are open")
	}
	handlers := api.NewHandler(manager, fm, statsService, authService, outbox, registry, api.Options{
		MaxUploadBytes: cfg.Limits.MaxFileSizeBytes(),
		FileRetention:  cfg.Limits.RetentionAge(),
	}, logging.Component(logger, "api"))

	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logging.Component(logger, "http")))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Int("operations", len(registry.Kinds())).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("worker shutdown")
	}
	logger.Info().Msg("server stopped")
	if serveErr != nil {
		return fmt.Errorf("server stopped: %w", serveErr)
	}
	return nil
}
