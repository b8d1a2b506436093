// Package contextcmd implements mixctl's "context" subcommand group, for
// managing named control-socket targets the way getployz-ployz's own
// "ployz context" group manages named daemon targets.
package contextcmd

import "github.com/spf13/cobra"

// Cmd returns the parent "mixctl context" command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage control socket contexts",
	}

	cmd.AddCommand(listCmd())
	cmd.AddCommand(useCmd())
	cmd.AddCommand(addCmd())
	cmd.AddCommand(removeCmd())
	return cmd
}
