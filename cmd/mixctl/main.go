// Command mixctl is the control client: it issues Status/Connect/Disconnect/
// Refresh commands to a running mixd worker over its control socket.
// Structurally this follows getployz-ployz's cmd/ployz/main.go: a cobra root
// with SilenceErrors/SilenceUsage so main prints the error itself, mapped to
// the process exit code rather than always exiting 1.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	contextcmd "mixvpn/cmd/mixctl/context"
	"mixvpn/internal/buildinfo"
	"mixvpn/internal/logging"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if err := logging.Configure(logging.LevelWarn, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "configure logger:", err)
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func rootCmd() *cobra.Command {
	var socket, contextName string
	var debug bool

	cmd := &cobra.Command{
		Use:           "mixctl",
		Short:         "Control client for the mixnet-routed WireGuard worker",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, os.Stderr)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&socket, "socket", "", "Control socket path (overrides context)")
	cmd.PersistentFlags().StringVar(&contextName, "context", "", "Named context to connect through")

	cmd.AddCommand(statusCmd(&socket, &contextName))
	cmd.AddCommand(connectCmd(&socket, &contextName))
	cmd.AddCommand(disconnectCmd(&socket, &contextName))
	cmd.AddCommand(refreshCmd(&socket, &contextName))
	cmd.AddCommand(contextcmd.Cmd())

	return cmd
}
