package contextcmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"mixvpn/internal/cliconfig"
	"mixvpn/internal/ui"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured contexts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load()
			if err != nil {
				return err
			}

			if len(cfg.Contexts) == 0 {
				fmt.Println(ui.InfoMsg("No contexts configured."))
				return nil
			}

			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				current := ""
				if name == cfg.CurrentContext {
					current = "*"
				}
				rows = append(rows, []string{current, name, cfg.Contexts[name].Socket})
			}

			fmt.Println(ui.Table([]string{"", "NAME", "SOCKET"}, rows))
			return nil
		},
	}
}
