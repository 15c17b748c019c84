// Package history implements "benchctl history", which shows and prunes
// the local record of past runs.
package history

import "github.com/spf13/cobra"

// NewCommand returns the "history" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "View and manage run history",
		Long: "View past runs with their attempts and measurements, and prune old runs.\n\n" +
			"Run history is stored locally in ~/.config/benchctl/history.db.",
		SilenceUsage: true,
	}

	cmd.AddCommand(ListCommand())
	cmd.AddCommand(ShowCommand())
	cmd.AddCommand(PruneCommand())

	return cmd
}
