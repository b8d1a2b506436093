package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mixvpn"
	"mixvpn/internal/ui"
)

func disconnectCmd(socket, contextName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the active destination",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := dial(*socket, *contextName)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.SendCommand(mixvpn.Command{Kind: mixvpn.CommandDisconnect})
			if err != nil {
				return classify(err)
			}

			fmt.Println(ui.InfoMsg("Disconnecting: %s", ui.State(reply.State.Kind)))
			return nil
		},
	}
}
