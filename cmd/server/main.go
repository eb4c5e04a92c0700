package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/config"
	"github.com/aegisshield/compliance-audit/internal/database"
	"github.com/aegisshield/compliance-audit/internal/regulatory"
)

const (
	serviceName = "compliance-audit"
	version     = "1.0.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Regulatory compliance assessment and audit engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		newServeCommand(&configPath),
		newMigrateCommand(&configPath),
		newSeedRulesCommand(&configPath),
	)
	return root
}

// bootstrap loads configuration and builds the root logger.
func bootstrap(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := cfg.InitLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the compliance API, event publisher and report scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			logger.Info("Starting Compliance Audit Service",
				zap.String("version", version),
				zap.Int("http_port", cfg.Server.HTTPPort),
				zap.Int("grpc_port", cfg.Server.GRPCPort),
				zap.String("database_driver", cfg.Database.Driver),
				zap.Bool("kafka_enabled", cfg.Kafka.Enabled),
				zap.Bool("redis_enabled", cfg.Redis.Enabled),
			)

			app := newApp(cfg, logger)
			if err := app.Err(); err != nil {
				return fmt.Errorf("failed to build application: %w", err)
			}

			startCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return fmt.Errorf("failed to start application: %w", err)
			}

			sig := <-app.Done()
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer stopCancel()
			if err := app.Stop(stopCtx); err != nil {
				logger.Error("Graceful shutdown failed", zap.Error(err))
				return err
			}

			logger.Info("Compliance Audit Service stopped")
			return nil
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if cfg.Database.Driver != "postgres" {
				return errors.New("migrate requires the postgres database driver")
			}
			if down > 0 {
				return database.RollbackMigrations(cfg.GetMigrationURL(), down, logger.Named("migrate"))
			}
			return database.RunMigrations(cfg.GetMigrationURL(), logger.Named("migrate"))
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	return cmd
}

func newSeedRulesCommand(configPath *string) *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "seed-rules",
		Short: "Load a rule catalog into the rule store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if catalogPath == "" {
				catalogPath = cfg.Rules.CatalogPath
			}
			if catalogPath == "" {
				return errors.New("no rule catalog given; pass --catalog or set rules.catalog_path")
			}
			if cfg.Database.Driver != "postgres" {
				return errors.New("seed-rules requires the postgres database driver")
			}

			catalog, err := regulatory.LoadCatalogFile(catalogPath)
			if err != nil {
				return err
			}

			db, err := database.NewPostgres(cfg, logger.Named("database"))
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()

			result, err := regulatory.Seed(ctx, regulatory.NewGormStore(db.DB, logger.Named("rules")), catalog, logger.Named("seed"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d unchanged=%d\n", result.Created, result.Updated, result.Unchanged)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "rule catalog YAML file (defaults to rules.catalog_path)")
	return cmd
}
