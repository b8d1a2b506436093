package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"mixvpn/internal/cliconfig"
	"mixvpn/internal/control"
)

// dialTimeout bounds how long mixctl waits for the control socket to accept
// a connection before reporting it unreachable.
const dialTimeout = 3 * time.Second

// dial resolves the target socket and connects to it, classifying a
// connection failure as ExitUnreachable.
func dial(socketFlag, contextFlag string) (*control.Client, error) {
	path, err := resolveSocket(socketFlag, contextFlag)
	if err != nil {
		return nil, usageError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	client, err := control.Dial(ctx, path)
	if err != nil {
		return nil, classify(err)
	}
	return client, nil
}

const defaultSocketPath = "/var/run/mixd.sock"

// resolveSocket picks the control socket path, in the order
// cmdutil.Connect uses for ployz's daemon target: an explicit flag, then
// MIX_SOCKET_PATH, then the cliconfig current-context, then the daemon's
// own compiled-in default.
func resolveSocket(socketFlag, contextFlag string) (string, error) {
	if socketFlag != "" {
		return socketFlag, nil
	}
	if v := os.Getenv("MIX_SOCKET_PATH"); v != "" {
		return v, nil
	}

	cfg, err := cliconfig.Load()
	if err != nil {
		return "", fmt.Errorf("load cli config: %w", err)
	}

	if contextFlag != "" {
		ctx, ok := cfg.Contexts[contextFlag]
		if !ok {
			return "", fmt.Errorf("context %q not found", contextFlag)
		}
		return socketOrDefault(ctx), nil
	}

	if _, ctx, ok := cfg.Current(); ok {
		return socketOrDefault(ctx), nil
	}

	return defaultSocketPath, nil
}

func socketOrDefault(ctx cliconfig.Context) string {
	if ctx.Socket == "" {
		return defaultSocketPath
	}
	return ctx.Socket
}
