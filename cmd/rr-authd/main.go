package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/config"
)

var (
	// Version information (set via ldflags during build)
	Version = "0.1.0-dev"
	Commit  = "unknown"
)

const appName = "rr-authd"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Authoritative DNS server with zone replication",
		Long: `rr-authd serves authoritative zones over UDP and TCP and keeps replica
zones in sync with their masters through AXFR and IXFR.

Configuration comes from DNS_* environment variables; serve flags override them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("%s version %s\nCommit: %s\n", appName, Version, Commit))
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", appName, Version, Commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := applyFlags(cmd, cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("env", "", "runtime environment (dev or prod)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("listen", "", "DNS listen address (ip:port)")
	f.String("metrics-listen", "", "Prometheus listen address, empty to disable")
	f.String("db", "", "bbolt database file, empty for memory only")
	f.String("zone-dir", "", "directory of seed zone files")
	f.String("replication-file", "", "file listing replica zones and their masters")
	f.StringSlice("notify", nil, "NOTIFY targets (host:port)")
	return cmd
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.AppConfig) error {
	strs := map[string]*string{
		"env":              &cfg.Env,
		"log-level":        &cfg.Log.Level,
		"listen":           &cfg.Server.Listen,
		"metrics-listen":   &cfg.Server.MetricsListen,
		"db":               &cfg.Storage.DB,
		"zone-dir":         &cfg.Storage.ZoneDir,
		"replication-file": &cfg.Replication.File,
	}
	for name, dst := range strs {
		if !cmd.Flags().Changed(name) {
			continue
		}
		v, err := cmd.Flags().GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if cmd.Flags().Changed("notify") {
		targets, err := cmd.Flags().GetStringSlice("notify")
		if err != nil {
			return err
		}
		cfg.Notify.Targets = targets
	}
	return nil
}

func serve(ctx context.Context, cfg *config.AppConfig) error {
	if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}

	log.Info(map[string]any{
		"version":           Version,
		"env":               cfg.Env,
		"log_level":         cfg.Log.Level,
		"listen":            cfg.Server.Listen,
		"metrics_listen":    cfg.Server.MetricsListen,
		"db":                cfg.Storage.DB,
		"zone_dir":          cfg.Storage.ZoneDir,
		"journal_retention": cfg.Storage.JournalRetention,
		"notify":            cfg.Notify.Targets,
	}, "Starting rr-authd")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return err
	}

	log.Info(nil, "rr-authd stopped gracefully")
	return nil
}
