package main

import (
	"fmt"
	"os"
	"path/filepath"

	"portless-dev/portless/pkg/cli"
	"portless-dev/portless/pkg/config"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "portless",
	Short: "Portless - stable domains for local development apps",
	Long: `Portless runs a local daemon that serves your development apps under
stable domain names instead of port numbers.

Each project declares its domains in a portless.yaml file. The daemon:
  - Reverse-proxies local and public domains to the project's backends
  - Rewrites links, redirects and cookies between those names
  - Opens public tunnels and obtains ACME certificates for them`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.portless/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig loads the global configuration, writing a default file when
// none exists. It also returns the portless home folder.
func loadConfig() (*config.Config, string, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, "", err
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(home, "config.yaml")
	}

	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return nil, "", cli.NewConfigError("", err.Error())
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, home, nil
}

// daemonClient returns a client for the running daemon.
func daemonClient() (*cli.Client, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}
	return cli.ClientFromHome(home)
}

// resolveCwd returns the absolute project directory of the app commands.
func resolveCwd(flag string) (string, error) {
	if flag == "" {
		return os.Getwd()
	}
	return filepath.Abs(flag)
}
