package main

import (
	"errors"

	"portless-dev/portless/pkg/cli"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every app and the portless daemon",
	Long: `Stop every running app, close their tunnels and shut the daemon down.

Registered apps are restored the next time the daemon starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		report := cli.NewReporter(cmd.OutOrStdout())

		client, err := daemonClient()
		if err == nil {
			err = client.Stop(cmd.Context())
		}
		if errors.Is(err, cli.ErrDaemonNotRunning) {
			report.Step("Daemon is not running")
			return nil
		}
		if err != nil {
			return cli.NewCommandError("stop", err)
		}

		report.Step("Daemon stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
