// Command mixd is the unprivileged worker: it runs the connection-lifecycle
// engine (C5) and serves the control socket (C6), holding no capability to
// touch kernel WireGuard/routing state directly — those calls cross an RPC
// pipe (fd 3/4, inherited from mixd-root) to internal/supervisor.RPCServer.
// Structurally this follows getployz-ployz's cmd/ployzd/main.go: a cobra
// root with a PersistentPreRunE that configures logging, one RunE that
// wires the daemon and blocks until shutdown.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn"
	"mixvpn/internal/backoff"
	"mixvpn/internal/buildinfo"
	"mixvpn/internal/config"
	"mixvpn/internal/control"
	"mixvpn/internal/destination"
	"mixvpn/internal/engine"
	"mixvpn/internal/eventbus"
	"mixvpn/internal/identity"
	"mixvpn/internal/logging"
	"mixvpn/internal/session"
	"mixvpn/internal/supervisor"
	"mixvpn/internal/tunnel"
	"mixvpn/pkg/entryclient"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if err := logging.Configure(logging.LevelInfo, os.Stderr); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "configure logger:", err)
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, socketPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "mixd",
		Short:   "mixnet-routed WireGuard connection worker",
		Version: buildinfo.Version,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, os.Stderr)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, socketPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", envOr("MIX_CONFIG_PATH", "/etc/mixd/config.toml"), "Config file path")
	cmd.Flags().StringVar(&socketPath, "socket", envOr("MIX_SOCKET_PATH", ""), "Control socket path (overrides config)")
	return cmd
}

func run(ctx context.Context, configPath, socketPathFlag string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	socketPath := cfg.Control.SocketPath
	if socketPathFlag != "" {
		socketPath = socketPathFlag
	}

	rpc, err := dialSupervisorRPC()
	if err != nil {
		return fmt.Errorf("dial supervisor rpc: %w", err)
	}

	idStore := identity.New(homeDir())
	id, err := idStore.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	slog.Info("loaded node identity", "public_key", base64.StdEncoding.EncodeToString(id.PublicKey))

	entry := entryclient.New(cfg.HoprdNode.Endpoint, cfg.HoprdNode.APIToken, cfg.Connection.Ping.Timeout)

	clock := clockwork.NewRealClock()
	bus := eventbus.New()

	metricsReg := prometheus.NewRegistry()
	sessMetrics := session.NewMetrics(metricsReg)

	sessBackoff := backoff.New(cfg.Connection.DialBase, cfg.Connection.DialCap, cfg.Connection.DialJitter)
	sessions := session.New(entry, clock, session.UDPProber{}, cfg.ProbeConfig(), sessBackoff, bus, sessMetrics)

	pinnedKey, err := parseForcePrivateKey(cfg.WireGuard.ForcePrivateKey)
	if err != nil {
		return fmt.Errorf("parse wireguard.force_private_key: %w", err)
	}

	routeCfg := tunnel.RouteConfig{
		Interface: cfg.WireGuard.Interface,
		WorkerUID: os.Getuid(),
	}
	tunnels := tunnel.New(rpc, rpc, routeCfg, cfg.WireGuard.ListenPort, pinnedKey)

	dests := destination.New()
	dests.Replace(cfg.Destinations())
	if err := dests.SaveCache(homeDir()); err != nil {
		slog.Warn("save destination cache", "err", err)
	}

	engCfg, err := cfg.EngineConfig()
	if err != nil {
		return fmt.Errorf("derive engine config: %w", err)
	}
	engBackoff := backoff.New(cfg.Connection.DialBase, cfg.Connection.DialCap, cfg.Connection.DialJitter)
	eng := engine.New(engCfg, clock, dests, sessions, tunnels, engBackoff, bus)

	srv := control.New(eng, dests, bus)
	srv.Refresh = func(ctx context.Context) error {
		if _, err := idStore.Reload(); err != nil {
			return fmt.Errorf("reload identity: %w", err)
		}
		reloaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		diff := dests.Replace(reloaded.Destinations())
		if err := dests.SaveCache(homeDir()); err != nil {
			slog.Warn("save destination cache", "err", err)
		}
		eng.ConfigReloaded(ctx, diff)
		return nil
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, socketPath) })
	g.Go(func() error { return reportIntentOnTransition(ctx, bus, rpc) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return applyConfigReloads(ctx, watcher, dests, eng, homeDir()) })

	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, metricsReg)
		g.Go(func() error { return serveUntilShutdown(ctx, metricsSrv) })
	}

	if resume := os.Getenv("MIX_RESUME_DESTINATION"); resume != "" {
		g.Go(func() error {
			if _, err := eng.Submit(ctx, mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: resume}); err != nil {
				slog.Warn("resume destination after restart failed", "destination", resume, "err", err)
			}
			return nil
		})
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Debug("systemd notify failed (likely not running under systemd)", "err", err)
	}

	return g.Wait()
}

// applyConfigReloads consumes freshly-validated configs off watcher and
// feeds the resulting destination-table diff to the engine (spec.md
// acceptance scenario 5: a config edit that drops the active destination
// disconnects it).
func applyConfigReloads(ctx context.Context, watcher *config.Watcher, dests *destination.Store, eng *engine.Engine, cacheDir string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-watcher.Reload():
			if !ok {
				return nil
			}
			diff := dests.Replace(cfg.Destinations())
			if err := dests.SaveCache(cacheDir); err != nil {
				slog.Warn("save destination cache", "err", err)
			}
			eng.ConfigReloaded(ctx, diff)
		}
	}
}

// reportIntentOnTransition tells the supervisor, over rpc, which
// destination the engine is dialing or connected to, so a crash restart
// can replay it (spec.md acceptance scenario 6).
func reportIntentOnTransition(ctx context.Context, bus *eventbus.Bus, rpc *supervisor.RPCClient) error {
	sub := bus.Subscribe(8)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.Kind != mixvpn.EventStatusChanged || ev.State == nil {
				continue
			}
			switch ev.State.Kind {
			case mixvpn.StateDialing, mixvpn.StateConnected:
				if err := rpc.ReportIntent(ev.State.DestinationID); err != nil {
					slog.Warn("report intent to supervisor failed", "err", err)
				}
			}
		}
	}
}

// dialSupervisorRPC wraps the RPC pipe mixd-root inherits to this process
// across exec: fd 3 carries responses, fd 4 carries requests (see
// internal/supervisor.Supervisor.runOnce's toWorker/fromWorker naming).
func dialSupervisorRPC() (*supervisor.RPCClient, error) {
	const rpcReadFD, rpcWriteFD = 3, 4
	r := os.NewFile(rpcReadFD, "mixd-rpc-r")
	w := os.NewFile(rpcWriteFD, "mixd-rpc-w")
	if r == nil || w == nil {
		return nil, fmt.Errorf("rpc pipe file descriptors %d/%d not inherited from supervisor", rpcReadFD, rpcWriteFD)
	}
	return supervisor.NewRPCClient(&fileDuplex{r: r, w: w}), nil
}

type fileDuplex struct {
	r, w *os.File
}

func (d *fileDuplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *fileDuplex) Write(p []byte) (int, error) { return d.w.Write(p) }

var _ io.ReadWriter = (*fileDuplex)(nil)

// newMetricsServer builds the Prometheus scrape endpoint, grounded on
// dantte-lp-gobfd's cmd/gobfd/main.go newMetricsServer.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveUntilShutdown runs srv until ctx is cancelled, then shuts it down.
func serveUntilShutdown(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics on %s: %w", srv.Addr, err)
	}
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

// homeDir resolves the state/cache root identity.key and identity.pass live
// under (spec.md §6), honoring MIX_HOME and otherwise defaulting under the
// user's config directory.
func homeDir() string {
	if v := os.Getenv("MIX_HOME"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "/var/lib/mixd"
	}
	return filepath.Join(dir, "mixd")
}

// parseForcePrivateKey decodes wireguard.force_private_key, if set, into a
// pinned key that disables internal/tunnel's own key rotation.
func parseForcePrivateKey(encoded string) (*wgtypes.Key, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := wgtypes.ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return &key, nil
}
