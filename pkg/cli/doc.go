/*
Package cli provides command-line interface utilities for themis.

The cli package includes output formatters, typed command errors carrying
process exit codes, and signal handling helpers used by the themis
command. Config errors exit with ExitConfig and certificate or audit
verification failures with ExitVerification, so operators' wrappers can
branch on the code alone.

Output Formatting:

The cli package supports text and JSON output formats for displaying
command results:

	formatter := cli.NewFormatter(cli.FormatJSON)
	data := MyCommandResult{...}
	if err := formatter.FormatTo(os.Stdout, data); err != nil {
		return err
	}

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx := cli.SetupSignalHandler()
	// Use ctx for operations that should be cancelled on shutdown
*/
package cli
