package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"portless-dev/portless/pkg/cli"
	"portless-dev/portless/pkg/daemon"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// DaemonLogFile receives the output of a daemon launched by "start".
const DaemonLogFile = "daemon.log"

var startFlags struct {
	timeout time.Duration
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the portless daemon in the background",
	Long: `Start the portless daemon detached from the terminal.

The daemon's output goes to ~/.portless/daemon.log. The command returns once
the daemon has announced the port it listens on.`,
	RunE: startDaemon,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().DurationVar(&startFlags.timeout, "timeout", 15*time.Second, "how long to wait for the daemon to come up")
}

func startDaemon(cmd *cobra.Command, args []string) error {
	_, home, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	report := cli.NewReporter(cmd.OutOrStdout())

	if client, err := cli.ClientFromHome(home); err == nil && client.Status(ctx) == nil {
		pf, _ := daemon.ReadPortFile(home)
		report.Step("Daemon already running on port %d", pf.Port)
		return nil
	}

	pf, err := daemon.ReadPortFile(home)
	if err != nil {
		pf = daemon.PortFile{}
	}
	pf.RequestVersion = uuid.NewString()
	if err := daemon.WritePortFile(home, pf); err != nil {
		return cli.NewCommandError("start", err)
	}

	if err := spawnDaemon(home); err != nil {
		return cli.NewCommandError("start", err)
	}

	port, err := cli.WaitForPort(ctx, home, pf.RequestVersion, startFlags.timeout)
	if err != nil {
		return cli.NewCommandError("start", fmt.Errorf("%w (see %s)", err, filepath.Join(home, DaemonLogFile)))
	}
	report.Step("Daemon listening on port %d (TLS on %d)", port, port+1)
	return nil
}

// spawnDaemon runs "portless run" detached, with output appended to the
// daemon log.
func spawnDaemon(home string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate the portless binary: %w", err)
	}
	if err := os.MkdirAll(home, 0o750); err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(home, DaemonLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()

	args := []string{"run"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	c := exec.CommandContext(context.Background(), exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	c.Dir = home
	detach(c)

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return c.Process.Release()
}
