package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mixvpn"
	"mixvpn/internal/ui"
)

func refreshCmd(socket, contextName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-read the identity and destination table without reconnecting",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := dial(*socket, *contextName)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.SendCommand(mixvpn.Command{Kind: mixvpn.CommandRefresh})
			if err != nil {
				return classify(err)
			}

			fmt.Println(ui.SuccessMsg("Refreshed. %d destination(s) known.", len(reply.Destinations)))
			return nil
		},
	}
}
