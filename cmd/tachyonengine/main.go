// Command tachyonengine runs the download engine core as a standalone
// process: a resident `serve` mode for the scheduler/progress
// pump/ingress bridge, plus one-shot subcommands against its storage and
// queue for scripting and debugging.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tachyonengine",
		Short: "Download engine core: queueing, segmented fetch, verification, scheduling",
	}

	cmd.PersistentFlags().String("db", "", "path to the engine's SQLite database (default: OS config dir)")
	cmd.PersistentFlags().String("socket", "", "ingress bridge socket/pipe path (default: platform-specific)")

	cmd.AddCommand(
		newServeCmd(),
		newAddCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newRemoveCmd(),
		newListCmd(),
		newSettingsCmd(),
	)
	return cmd
}
