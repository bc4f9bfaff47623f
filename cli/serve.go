package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caliperml/caliper/api"
	"github.com/caliperml/caliper/config"
	"github.com/caliperml/caliper/db"
	"github.com/caliperml/caliper/engine"
	"github.com/caliperml/caliper/evaluation"
	"github.com/caliperml/caliper/notification"
	"github.com/caliperml/caliper/queue"
	"github.com/caliperml/caliper/repository"
	"github.com/caliperml/caliper/storage"
	"github.com/caliperml/caliper/tasks"
	"github.com/caliperml/caliper/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the API server, worker pool and reconciler",
	RunE:  runServe,
}

// runServe wires the full engine and runs it until SIGINT or SIGTERM.
//
// Startup sequence:
//  1. Load configuration and build the base logger
//  2. Connect to PostgreSQL and ensure the schema and migrations
//  3. Build repositories, the activity log and the task queue
//  4. Connect object storage and the mail API
//  5. Register workflow handlers and run the startup reconcile pass
//  6. Start the worker pool, the periodic reconciler and the HTTP server
func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := db.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.AutoInitialize(ctx); err != nil {
		return err
	}
	if _, statErr := os.Stat(cfg.Database.MigrationsDir); statErr == nil {
		applied, err := pg.ApplyMigrations(ctx, cfg.Database.MigrationsDir, logger)
		if err != nil {
			return err
		}
		if applied > 0 {
			logger.WithField("applied", applied).Info("database migrations applied")
		}
	}

	activity, err := db.NewActivityLogStore(cfg.Database.URL)
	if err != nil {
		return err
	}

	useCases := repository.NewPostgresUseCases(pg, logger)
	models := repository.NewPostgresModels(pg, logger)

	registry := queue.NewRegistry()
	taskQueue := queue.NewTaskQueue(pg, registry, logger)

	s3Client, err := storage.NewS3Client(ctx, storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
	})
	if err != nil {
		return err
	}
	blobs := storage.NewS3BlobStore(s3Client, cfg.Storage.Bucket)
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}

	notifier := buildNotifier(cfg, logger)

	handlers := tasks.New(useCases, models, activity, blobs,
		evaluation.BasicValidator{}, evaluation.CSVQualityChecker{}, evaluation.MetricsEvaluator{},
		notifier, taskQueue, logger)
	handlers.Register(registry)

	service := engine.NewService(useCases, models, activity, taskQueue, logger)
	uploader := engine.NewUploader(useCases, models, activity, taskQueue, blobs, logger)

	reconciler := worker.NewReconciler(useCases, models, taskQueue, tasks.ReconcilerRules(), logger)
	if n, err := reconciler.Run(ctx); err != nil {
		logger.WithError(err).Warn("startup reconcile pass failed")
	} else if n > 0 {
		logger.WithField("enqueued", n).Info("startup reconcile pass recovered tasks")
	}
	if cfg.Worker.ReconcileInterval > 0 {
		go reconciler.RunPeriodically(ctx, cfg.Worker.ReconcileInterval)
	}

	pool := worker.NewPool(taskQueue, worker.Config{
		Workers:      cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		TaskTimeout:  cfg.Worker.TaskTimeout,
	}, logger)
	pool.Start()

	server := api.NewServer(api.ServerConfig{
		Port:            cfg.Server.Port,
		BodyLimit:       "100M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       float64(cfg.Server.RateLimit),
	}, service, uploader, taskQueue, logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.WithError(err).Error("HTTP server failed")
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	cancel()
	pool.Stop()
	return nil
}

// buildNotifier returns the mail API client, or a log-only notifier when no
// mail API is configured.
func buildNotifier(cfg *config.Config, logger *logrus.Entry) notification.Notifier {
	if cfg.Notification.URL == "" {
		return &notification.LogNotifier{Logger: logger}
	}
	return notification.NewMailAPIClient(notification.MailAPIConfig{
		URL:       cfg.Notification.URL,
		APIUser:   cfg.Notification.APIUser,
		APIPass:   cfg.Notification.APIPass,
		FromName:  cfg.Notification.FromName,
		FromEmail: cfg.Notification.FromEmail,
	}, logger)
}
