package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/config"
	"github.com/kursadbilgin/batch-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/batch-dispatch/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"github.com/kursadbilgin/batch-dispatch/internal/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type rootOptions struct {
	logLevel string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "batch-dispatch",
		Short:         "Admit bulk data requests and dispatch them to connected target agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newSweepCommand(opts),
	)
	return root
}

// bootstrap loads the environment config, applies flag overrides and builds
// the logger. Flags set on the command line are logged once.
func bootstrap(cmd *cobra.Command, opts *rootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if level := strings.TrimSpace(opts.logLevel); level != "" {
		cfg.LogLevel = level
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		logger.Info("flag override", zap.String("flag", f.Name), zap.String("value", f.Value.String()))
	})
	return cfg, logger, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	return postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("failed to close postgres", zap.Error(err))
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db, logger)

			if err := migrations.Migrate(db); err != nil {
				return fmt.Errorf("database migrations failed: %w", err)
			}
			logger.Info("database migrations applied")
			return nil
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db, logger)

			if retention <= 0 {
				retention = cfg.BatchRetention()
			}
			sweeper, err := service.NewRetentionSweeper(
				repository.NewGormBatchRepo(db),
				repository.NewGormWorkUnitRepo(db),
				repository.NewGormArtifactRepo(db),
				service.RetentionConfig{Retention: retention},
				logger,
			)
			if err != nil {
				return err
			}

			result, err := sweeper.Sweep(cmd.Context())
			logger.Info("retention sweep finished",
				zap.Int64("artifacts", result.Artifacts),
				zap.Int64("batches", result.Batches),
				zap.Int64("workUnits", result.WorkUnits),
				zap.Duration("retention", retention),
			)
			return err
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "keep terminal records younger than this (default BATCH_RETENTION_SEC)")
	return cmd
}
