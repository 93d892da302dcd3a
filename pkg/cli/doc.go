/*
Package cli provides command-line helpers for the warden command.

Output Formatting:

Results are printed as aligned text or indented JSON, selected with the
--output flag:

	format, err := cli.ParseFormat(flagValue)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, result)

Text output renders values implementing Fielder as a two-column table.

Exit Codes:

ExitCode maps command errors to process exit codes: 2 for configuration
errors, 3 when an admission check was throttled, 1 otherwise.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
