package main

import (
	"strings"

	"portless-dev/portless/pkg/cli"

	"github.com/spf13/cobra"
)

var appFlags struct {
	cwd    string
	output string
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Start the project of the current directory",
	Long: `Register the project whose portless.yaml is found from the current
directory (or --cwd) upward, and start serving its domains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, client, err := appTarget()
		if err != nil {
			return err
		}

		info, err := client.Add(cmd.Context(), cwd)
		if err != nil {
			return cli.NewCommandError("add", err)
		}

		report := cli.NewReporter(cmd.OutOrStdout())
		report.Step("App %s started", info.ProjectName)
		for _, d := range info.Domains {
			for _, name := range []string{d.Local, d.Public} {
				if name != "" {
					report.Step("%s -> %s", name, d.Target)
				}
			}
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove",
	Aliases: []string{"rm"},
	Short:   "Stop the project of the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, client, err := appTarget()
		if err != nil {
			return err
		}
		if err := client.Remove(cmd.Context(), cwd); err != nil {
			return cli.NewCommandError("remove", err)
		}
		cli.NewReporter(cmd.OutOrStdout()).Step("App removed")
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload the configuration of the project of the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, client, err := appTarget()
		if err != nil {
			return err
		}
		if err := client.Restart(cmd.Context(), cwd); err != nil {
			return cli.NewCommandError("refresh", err)
		}
		cli.NewReporter(cmd.OutOrStdout()).Step("App restarted")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List running apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseFormat(appFlags.output)
		if err != nil {
			return err
		}
		client, err := daemonClient()
		if err != nil {
			return cli.NewCommandError("list", err)
		}
		apps, err := client.Apps(cmd.Context())
		if err != nil {
			return cli.NewCommandError("list", err)
		}
		return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), apps)
	},
}

func init() {
	for _, c := range []*cobra.Command{addCmd, removeCmd, refreshCmd} {
		c.Flags().StringVar(&appFlags.cwd, "cwd", "", "project directory (default: current directory)")
		rootCmd.AddCommand(c)
	}

	listCmd.Flags().StringVarP(&appFlags.output, "output", "o", "text", "output format ("+strings.Join([]string{string(cli.FormatText), string(cli.FormatJSON)}, ", ")+")")
	rootCmd.AddCommand(listCmd)
}

func appTarget() (string, *cli.Client, error) {
	cwd, err := resolveCwd(appFlags.cwd)
	if err != nil {
		return "", nil, err
	}
	client, err := daemonClient()
	if err != nil {
		return "", nil, err
	}
	return cwd, client, nil
}
