package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"portless-dev/portless/pkg/cli"
	"portless-dev/portless/pkg/daemon"
	"portless-dev/portless/pkg/telemetry/logging"
	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/telemetry/tracing"

	"github.com/spf13/cobra"
)

var runFlags struct {
	port     int
	logLevel string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the portless daemon in the foreground",
	Long: `Run the portless daemon in the foreground until interrupted.

The daemon listens on the configured port (plain HTTP) and the next one (TLS),
restores the apps registered before its last stop and announces its port in
~/.portless/port.json.

Examples:
  # Run with the default configuration
  portless run

  # Override the port
  portless run --port 8080

  # Validate the configuration without starting
  portless run --dry-run`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runFlags.port, "port", "p", 0, "override the daemon port")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the daemon")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, home, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.port != 0 {
		cfg.Daemon.Port = runFlags.port
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	logCfg := cfg.Telemetry.Logging
	logger, closer, err := logging.New(logging.Config{
		Level:     logCfg.Level,
		Format:    logCfg.Format,
		AddSource: logCfg.AddSource,
		Output:    logCfg.Output,
	})
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	tracer, err := tracing.New(ctx, &cfg.Telemetry.Tracing, Version)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		tracer = tracing.Noop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	var collector *metrics.Collector
	if cfg.Telemetry.Metrics.Enabled {
		collector = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
	}

	d, err := daemon.New(daemon.Options{
		Config:    cfg,
		Home:      home,
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
		Logger:    logger,
		Metrics:   collector,
		Tracer:    tracer,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	logger.Info("starting portless daemon", "version", Version, "home", home)
	if err := d.Run(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	return nil
}
