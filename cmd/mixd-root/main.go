// Command mixd-root is the privileged supervisor (C7): it owns the real
// WireGuard device and routing/firewall state, forks/execs the
// unprivileged mixd worker under a dedicated UID, and serves the worker's
// privileged operations over an inherited RPC pipe. Structurally this
// follows getployz-ployz's cmd/ployz-runtime/main.go: a small cobra root
// whose RunE hands off to one blocking Run call.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"mixvpn/internal/backoff"
	"mixvpn/internal/buildinfo"
	"mixvpn/internal/config"
	"mixvpn/internal/logging"
	"mixvpn/internal/supervisor"
	"mixvpn/pkg/routing"
	"mixvpn/pkg/wgctrl"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "configure logger:", err)
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "mixd-root",
		Short:   "mixnet-routed WireGuard supervisor (privileged)",
		Version: buildinfo.Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", envOr("MIX_CONFIG_PATH", "/etc/mixd/config.toml"), "Config file path")
	return cmd
}

func run(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workerUser := envOr("MIX_WORKER_USER", cfg.Supervisor.WorkerUser)
	uid, gid, err := lookupWorkerUser(workerUser)
	if err != nil {
		return fmt.Errorf("resolve worker user %q: %w", workerUser, err)
	}

	workerBinary := envOr("MIX_WORKER_BINARY", cfg.Supervisor.WorkerBinary)
	if workerBinary == "" {
		workerBinary = "/usr/sbin/mixd"
	}

	supCfg := supervisor.Config{
		WorkerBinary:     workerBinary,
		WorkerArgs:       []string{"--config", configPath},
		WorkerUID:        uid,
		WorkerGID:        gid,
		RestartCap:       cfg.Supervisor.WorkerRestartCap,
		ShutdownDeadline: cfg.Connection.ShutdownDeadline,
	}

	wg := wgctrl.NewDeviceController(cfg.WireGuard.Interface, cfg.WireGuard.MTU)
	rt := routing.NewLinuxController()
	restartPolicy := backoff.New(cfg.Supervisor.RestartBase, cfg.Supervisor.RestartCap, cfg.Supervisor.RestartJitter)

	sup := supervisor.New(supCfg, wg, rt, restartPolicy)
	return sup.Run(ctx)
}

func lookupWorkerUser(name string) (uid, gid int, err error) {
	if name == "" {
		return 0, 0, fmt.Errorf("supervisor.worker_user must not be empty")
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}
