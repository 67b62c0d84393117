/*
Package cli holds the pieces shared by the portless commands: the REST client
of a running daemon, output formatting, step reporting, signal handling and
the CLI error types.

Talking to the daemon:

	client, err := cli.ClientFromHome(home)
	if err != nil {
		return err
	}
	info, err := client.Add(ctx, cwd)

A launcher that just spawned the daemon waits for it to announce its port:

	port, err := cli.WaitForPort(ctx, home, requestVersion, 15*time.Second)

Listing apps:

	apps, err := client.Apps(ctx)
	if err != nil {
		return err
	}
	return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, apps)
*/
package cli
