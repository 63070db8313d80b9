package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rossigee/sqlimport/internal/config"
	"github.com/rossigee/sqlimport/internal/database"
	"github.com/rossigee/sqlimport/internal/jobs"
	"github.com/rossigee/sqlimport/internal/minio"
	"github.com/rossigee/sqlimport/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "sqlimport",
		Short:         "Resumable PostgreSQL dump import service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML configuration file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(viper.New(), configFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.ConfigureLogging(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	rootCmd.AddCommand(newServeCmd(load), newGCCmd(load), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sqlimport %s\n", version)
		},
	}
}

func newGCCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete expired jobs and prune history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			manager, cleanup, err := buildManager(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := manager.GC(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired jobs\n", deleted)
			return nil
		},
	}
}

// buildManager wires the job manager from configuration. The returned cleanup
// closes the history database.
func buildManager(cfg *config.Config) (*jobs.Manager, func(), error) {
	store, err := jobs.NewStore(cfg.Jobs.Dir)
	if err != nil {
		return nil, nil, err
	}

	opener, err := database.PgxOpener(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	connectRetry := database.DefaultConnectRetry
	connectRetry.MaxAttempts = cfg.Database.ConnectAttempts
	connect := func(ctx context.Context, name string) (jobs.Session, error) {
		session, err := database.Connect(ctx, opener, name, connectRetry)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	var history *storage.Store
	cleanup := func() {}
	if cfg.History.Path != "" {
		history, err = storage.NewStore(cfg.History.Path)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			if err := history.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close history database")
			}
		}
	}

	var objects jobs.ObjectSource
	client, err := minio.NewClient(minio.Config{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
	})
	switch {
	case errors.Is(err, minio.ErrNotConfigured):
		logrus.Info("Object storage not configured, imports from object URLs are disabled")
	case err != nil:
		cleanup()
		return nil, nil, err
	default:
		objects = client
	}

	manager := jobs.NewManager(store, jobs.Config{
		ChunkSize:        cfg.Jobs.ChunkSize,
		MaxUpload:        cfg.Jobs.MaxUpload,
		Lifetime:         cfg.Jobs.Lifetime,
		GCSample:         cfg.Jobs.GCSample,
		MaxEntries:       cfg.Jobs.MaxEntries,
		LogEntries:       cfg.Jobs.LogEntries,
		ChunkBytes:       cfg.Process.ChunkBytes,
		MaxIterations:    cfg.Process.MaxIterations,
		StepDeadline:     cfg.Process.StepDeadline,
		LockRetry:        jobs.DefaultLockRetry,
		HistoryRetention: cfg.History.Retention,
	}, connect, history, objects)

	return manager, cleanup, nil
}
