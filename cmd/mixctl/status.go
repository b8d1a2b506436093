package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mixvpn"
	"mixvpn/internal/control"
	"mixvpn/internal/ui"
)

func statusCmd(socket, contextName *string) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the engine's current connection state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := dial(*socket, *contextName)
			if err != nil {
				return err
			}
			defer client.Close()

			if follow {
				return classify(client.Follow(func(r control.StatusReply) error {
					printStatus(r)
					return nil
				}))
			}

			reply, err := client.SendCommand(mixvpn.Command{Kind: mixvpn.CommandStatus})
			if err != nil {
				return classify(err)
			}
			printStatus(*reply)
			return nil
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", false, "Stream status changes until interrupted")
	return cmd
}

func printStatus(r control.StatusReply) {
	st := r.State

	pairs := []ui.Pair{
		ui.KV("state", ui.State(st.Kind)),
	}
	if st.DestinationID != "" {
		pairs = append(pairs, ui.KV("destination", st.DestinationID))
	}
	if st.Attempt > 0 {
		pairs = append(pairs, ui.KV("attempt", fmt.Sprintf("%d", st.Attempt)))
	}
	if st.SessionID != "" {
		pairs = append(pairs, ui.KV("session", st.SessionID))
	}
	if st.LocalPort != 0 {
		pairs = append(pairs, ui.KV("local_port", fmt.Sprintf("%d", st.LocalPort)))
	}
	if st.Kind == mixvpn.StateDisconnecting {
		pairs = append(pairs, ui.KV("reason", st.DisconnectReason.String()))
	}
	if st.Kind == mixvpn.StateFailed {
		pairs = append(pairs, ui.KV("fail_reason", st.FailReason.String()))
		if !st.NextRetryAt.IsZero() {
			pairs = append(pairs, ui.KV("next_retry", st.NextRetryAt.Format(time.RFC3339)))
		}
	}

	fmt.Print(ui.KeyValues("", pairs...))

	if len(r.Destinations) == 0 {
		return
	}

	rows := make([][]string, 0, len(r.Destinations))
	for _, d := range r.Destinations {
		active := ""
		if d.ID == st.DestinationID {
			active = "*"
		}
		path := fmt.Sprintf("hops=%d", d.Path.Hops)
		if d.Path.Explicit() {
			path = fmt.Sprintf("%d hop(s) pinned", len(d.Path.Intermediates))
		}
		rows = append(rows, []string{active, d.ID, path})
	}
	fmt.Println()
	fmt.Println(ui.Table([]string{"", "DESTINATION", "PATH"}, rows))
}
