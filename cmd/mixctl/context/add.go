package contextcmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"mixvpn/internal/cliconfig"
	"mixvpn/internal/ui"
)

func addCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			if socket == "" {
				return fmt.Errorf("--socket is required")
			}

			cfg, err := cliconfig.Load()
			if err != nil {
				return err
			}

			abs, err := filepath.Abs(socket)
			if err != nil {
				return fmt.Errorf("resolve socket path: %w", err)
			}

			if err := cfg.Set(name, cliconfig.Context{Socket: abs}); err != nil {
				return err
			}

			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Context %s saved.", ui.Bold(name)))
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Unix socket path")
	return cmd
}
