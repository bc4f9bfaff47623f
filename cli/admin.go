package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/caliperml/caliper/db"
	"github.com/caliperml/caliper/queue"
)

var (
	initForce   bool
	cleanupDays int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending SQL migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		pg, err := db.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.AutoInitialize(ctx); err != nil {
			return err
		}
		applied, err := pg.ApplyMigrations(ctx, cfg.Database.MigrationsDir, logger)
		if err != nil {
			return err
		}
		logger.WithField("applied", applied).Info("migrations up to date")
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create the database schema once",
	Long: `Create the engine's database schema. Fails when the schema already
exists unless --force is given, in which case all engine tables are dropped
and recreated. All use cases, models, history and tasks are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		pg, err := db.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.InitializeOnce(ctx, initForce); err != nil {
			return err
		}
		logger.Info("schema initialized")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "purge terminal tasks past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		pg, err := db.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()

		days := cleanupDays
		if days <= 0 {
			days = cfg.Tasks.CleanupDays
		}
		taskQueue := queue.NewTaskQueue(pg, queue.NewRegistry(), logger)
		removed, err := taskQueue.Cleanup(ctx, days)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"removed": removed,
			"days":    days,
		}).Info("task cleanup finished")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "drop and recreate existing tables")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention window in days (default from configuration)")
}
