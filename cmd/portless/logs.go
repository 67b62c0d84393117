package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"portless-dev/portless/pkg/cli"
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/watch"

	"github.com/spf13/cobra"
)

var logsFlags struct {
	follow bool
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the daemon log",
	Long: `Print ~/.portless/daemon.log, the output of a daemon launched with
"portless start". With --follow, keep printing lines as they are written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := config.HomeDir()
		if err != nil {
			return err
		}
		path := filepath.Join(home, DaemonLogFile)
		out := cmd.OutOrStdout()

		if logsFlags.follow {
			ctx, stop := cli.SetupSignalHandler()
			defer stop()
			if err := watch.Follow(ctx, path, out, false); err != nil {
				return cli.NewCommandError("logs", err)
			}
			return nil
		}

		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no daemon log at %s: start the daemon with \"portless start\"", path)
		}
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(out, f)
		return err
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolVarP(&logsFlags.follow, "follow", "f", false, "follow the log")
}
