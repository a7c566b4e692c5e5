// Command docstate manages CRDT documents, their offline operation queue
// and snapshots.
package main

import (
	"os"

	"github.com/roach88/docstate/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		if format != "json" {
			format = "text"
		}
		out := &cli.OutputFormatter{Format: format, Writer: os.Stderr}
		if format == "json" {
			out.Writer = os.Stdout
		}
		return cli.ReportError(out, err)
	}
	return cli.ExitSuccess
}
