package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/apitrail/apitrail/internal/analytics"
	"github.com/apitrail/apitrail/internal/archive"
	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/storage"
	"github.com/apitrail/apitrail/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "apitrail",
		Short:   "Request/response log storage and analytics",
		Version: version.Version,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: apitrail.{yaml,toml,json} in cwd)")

	rootCmd.AddCommand(
		cleanCmd(),
		statsCmd(),
		healthCmd(),
		metricsCmd(),
		anomaliesCmd(),
		archiveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("APITRAIL_CONFIG")
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, _, err = config.Load(".")
		if errors.Is(err, config.ErrNoConfig) {
			// No file: defaults are enough for the file backend.
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	// Env overrides flags and file.
	if dir := os.Getenv("APITRAIL_DATA_DIR"); dir != "" {
		cfg.File.Dir = dir
	}
	return cfg, nil
}

// openBackend builds the configured storage backend.
func openBackend(cfg *config.Config, log *slog.Logger) (storage.Backend, error) {
	newFile := func() (storage.Backend, error) {
		return storage.NewFileStore(storage.FileConfig{
			Dir:      cfg.File.Dir,
			Prefix:   cfg.File.Prefix,
			Rotate:   cfg.File.Rotate,
			Compress: cfg.File.Compress,
		}, log)
	}
	newTable := func() (storage.Backend, error) {
		var (
			ts  *storage.TableStore
			err error
		)
		if cfg.Database.Driver == "postgres" {
			ts, err = storage.NewPostgresTable(cfg.Database.DSN, log)
		} else {
			ts, err = storage.NewSQLiteTable(cfg.Database.DSN, log)
		}
		if err != nil {
			return nil, err
		}
		if cfg.Database.BatchSize > 0 {
			ts.SetBatchSize(cfg.Database.BatchSize)
		}
		return ts, nil
	}

	switch cfg.Storage {
	case "file":
		return newFile()
	case "sqlite", "postgres":
		cfg.Database.Driver = cfg.Storage
		return newTable()
	case "fallback":
		var backends []storage.NamedBackend
		for _, name := range cfg.Fallback.Backends {
			var (
				b   storage.Backend
				err error
			)
			switch name {
			case "file":
				b, err = newFile()
			case "database":
				b, err = newTable()
			default:
				return nil, fmt.Errorf("unknown fallback backend %q", name)
			}
			if err != nil {
				return nil, fmt.Errorf("build %s backend: %w", name, err)
			}
			backends = append(backends, storage.NamedBackend{Name: name, Backend: b})
		}
		return storage.NewCompositeStore(backends, cfg.Fallback.Broadcast, log), nil
	}
	return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage)
}

func withBackend(cmd *cobra.Command, fn func(context.Context, *config.Config, storage.Backend) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := slog.Default()
	store, err := openBackend(cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	return fn(cmd.Context(), cfg, store)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove records past their retention cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, cfg *config.Config, store storage.Backend) error {
				normal, _ := cmd.Flags().GetInt("normal-days")
				errDays, _ := cmd.Flags().GetInt("error-days")
				if normal == 0 {
					normal = cfg.Retention.NormalDays
				}
				if errDays == 0 {
					errDays = cfg.Retention.ErrorDays
				}
				removed, err := store.Clean(ctx, normal, errDays)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d records (normal > %dd, errors > %dd)\n", removed, normal, errDays)
				return nil
			})
		},
	}
	cmd.Flags().Int("normal-days", 0, "Retention for records with code < 400 (default from config)")
	cmd.Flags().Int("error-days", 0, "Retention for records with code >= 400 (default from config)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print storage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, cfg *config.Config, store storage.Backend) error {
				st, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

// analyticsWindow parses the --window flag into [from, now).
func analyticsWindow(cmd *cobra.Command) (time.Time, time.Time, error) {
	window, _ := cmd.Flags().GetString("window")
	d, err := time.ParseDuration(window)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid window %q: %w", window, err)
	}
	now := time.Now().UTC()
	return now.Add(-d), now, nil
}

func newEngine(cfg *config.Config, store storage.Backend) *analytics.Engine {
	return analytics.NewEngine(store, analytics.Config{
		ResponseTimeMultiplier: cfg.Analytics.ResponseTimeMultiplier,
		MinSuccessRate:         cfg.Analytics.MinSuccessRate,
	}, slog.Default())
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health <service>",
		Short: "Report service health over a time window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, cfg *config.Config, store storage.Backend) error {
				from, to, err := analyticsWindow(cmd)
				if err != nil {
					return err
				}
				rep, err := newEngine(cfg, store).ServiceHealth(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
	cmd.Flags().String("window", "24h", "Analysis window ending now")
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <service>",
		Short: "Report latency percentiles and error breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, cfg *config.Config, store storage.Backend) error {
				from, to, err := analyticsWindow(cmd)
				if err != nil {
					return err
				}
				m, err := newEngine(cfg, store).ServiceMetrics(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().String("window", "24h", "Analysis window ending now")
	return cmd
}

func anomaliesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies <service>",
		Short: "Compare the last hour against the daily baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, cfg *config.Config, store storage.Backend) error {
				a, err := newEngine(cfg, store).DetectAnomalies(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Upload compressed log files to the configured bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Archive == nil {
				return errors.New("no archive configuration")
			}
			up, err := archive.NewUploader(archive.Config{
				Endpoint:        cfg.Archive.Endpoint,
				AccessKeyID:     cfg.Archive.AccessKeyID,
				SecretAccessKey: cfg.Archive.SecretAccessKey,
				Bucket:          cfg.Archive.Bucket,
			}, slog.Default())
			if err != nil {
				return err
			}
			shipped, err := up.Sweep(cmd.Context(), cfg.File.Dir, cfg.Archive.RemoveLocal)
			if err != nil {
				return err
			}
			fmt.Printf("archived %d files\n", shipped)
			return nil
		},
	}
}
