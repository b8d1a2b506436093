package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mixvpn"
	"mixvpn/internal/ui"
)

func connectCmd(socket, contextName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <destination>",
		Short: "Connect to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := dial(*socket, *contextName)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.SendCommand(mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: args[0]})
			if err != nil {
				return classify(err)
			}

			fmt.Println(ui.InfoMsg("Connecting to %s: %s", ui.Bold(args[0]), ui.State(reply.State.Kind)))
			return nil
		},
	}
}
