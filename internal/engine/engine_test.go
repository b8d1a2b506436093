package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"mixvpn"
	"mixvpn/internal/backoff"
	"mixvpn/internal/destination"
	"mixvpn/internal/eventbus"
	"mixvpn/internal/session"
	"mixvpn/internal/tunnel"
	"mixvpn/pkg/entryclient"
	"mixvpn/pkg/wgctrl"
)

type harness struct {
	engine *Engine
	clock  clockwork.FakeClock
	dests  *destination.Store
	entry  *entryclient.Fake
	prober *session.FakeProber
	tun    *wgctrl.Fake
	probe  session.ProbeConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bus := eventbus.New()
	entry := entryclient.NewFake()
	prober := session.NewFakeProber()
	probeCfg := session.ProbeConfig{
		PayloadSize: 16,
		Timeout:     time.Second,
		IntervalMin: 50 * time.Millisecond,
		IntervalMax: 100 * time.Millisecond,
		MaxFailures: 2,
	}
	sessPolicy := backoff.NewSeeded(10*time.Millisecond, time.Second, 0, 1, 2)
	sessions := session.New(entry, clock, prober, probeCfg, sessPolicy, bus, nil)

	tun := wgctrl.NewFake()
	tunnels := tunnel.New(tun, nil, tunnel.RouteConfig{}, 51820, nil)

	dests := destination.New()
	dests.Replace([]mixvpn.Destination{{ID: "exit-a"}})

	enginePolicy := backoff.NewSeeded(10*time.Millisecond, time.Second, 0, 3, 4)
	cfg := Config{
		DialMaxAttempts:  3,
		ProbeMaxFailures: probeCfg.MaxFailures,
		ShutdownDeadline: time.Second,
		AllowedIPs:       []net.IPNet{{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}},
		Keepalive:        25 * time.Second,
		LocalPortBase:    51000,
	}

	eng := New(cfg, clock, dests, sessions, tunnels, enginePolicy, bus)

	return &harness{engine: eng, clock: clock, dests: dests, entry: entry, prober: prober, tun: tun, probe: probeCfg}
}

func runEngine(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("engine.Run did not return after cancel")
		}
	})
}

// waitForState polls the engine's state, nudging the fake clock forward in
// small steps so that clock-driven timers (probe intervals, dial backoff)
// fire regardless of their jittered duration.
func waitForState(t *testing.T, h *harness, kind mixvpn.EngineStateKind) mixvpn.EngineState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := h.engine.Snapshot()
		if st.Kind == kind {
			return st
		}
		h.clock.Advance(25 * time.Millisecond)
		time.Sleep(time.Millisecond)
		if time.Now().After(deadline) {
			t.Fatalf("never reached state %s (last seen %s)", kind, st.Kind)
		}
	}
}

func TestConnect_HappyPathReachesConnected(t *testing.T) {
	h := newHarness(t)
	runEngine(t, h)

	st, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	require.Equal(t, mixvpn.StateDialing, st.Kind)

	waitForState(t, h, mixvpn.StateBridging)
	waitForState(t, h, mixvpn.StateConnected)
	require.NotNil(t, h.tun.Applied())
}

func TestConnect_UnknownDestinationIsANoOp(t *testing.T) {
	h := newHarness(t)
	runEngine(t, h)

	st, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "does-not-exist"})
	require.NoError(t, err)
	require.Equal(t, mixvpn.StateIdle, st.Kind)
}

func TestDial_ExhaustsAttemptsAndFails(t *testing.T) {
	h := newHarness(t)
	h.entry.Unreachable["exit-a"] = true
	runEngine(t, h)

	_, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)

	st := waitForState(t, h, mixvpn.StateFailed)
	require.Equal(t, mixvpn.FailDial, st.FailReason)
}

func TestDisconnect_UserRequestReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	runEngine(t, h)

	_, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	waitForState(t, h, mixvpn.StateBridging)
	waitForState(t, h, mixvpn.StateConnected)

	st, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandDisconnect})
	require.NoError(t, err)
	require.Equal(t, mixvpn.StateDisconnecting, st.Kind)

	waitForState(t, h, mixvpn.StateIdle)
	require.Nil(t, h.tun.Applied())
}

func TestProbeFailure_WhileConnectedDrainsToFailed(t *testing.T) {
	h := newHarness(t)
	runEngine(t, h)

	_, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	waitForState(t, h, mixvpn.StateBridging)
	waitForState(t, h, mixvpn.StateConnected)

	h.prober.FailNext = h.probe.MaxFailures + 1

	st := waitForState(t, h, mixvpn.StateFailed)
	require.Equal(t, mixvpn.FailProbeFail, st.FailReason)
}

func TestConnect_SwitchingDestinationDrainsFirst(t *testing.T) {
	h := newHarness(t)
	h.dests.Replace([]mixvpn.Destination{{ID: "exit-a"}, {ID: "exit-b"}})
	runEngine(t, h)

	_, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	waitForState(t, h, mixvpn.StateBridging)
	waitForState(t, h, mixvpn.StateConnected)

	st, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-b"})
	require.NoError(t, err)
	require.Equal(t, mixvpn.StateDisconnecting, st.Kind)

	waitForState(t, h, mixvpn.StateBridging)
	final := h.engine.Snapshot()
	require.Equal(t, "exit-b", final.DestinationID)
}

func TestConfigReloaded_RemovingActiveDestinationDisconnects(t *testing.T) {
	h := newHarness(t)
	runEngine(t, h)

	_, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	waitForState(t, h, mixvpn.StateConnected)

	removed := mixvpn.Destination{ID: "exit-a"}
	h.engine.ConfigReloaded(context.Background(), destination.Diff{Removed: []mixvpn.Destination{removed}})

	waitForState(t, h, mixvpn.StateIdle)
}

func TestConfigReloaded_RemovingOtherDestinationIsANoOp(t *testing.T) {
	h := newHarness(t)
	h.dests.Replace([]mixvpn.Destination{{ID: "exit-a"}, {ID: "exit-b"}})
	runEngine(t, h)

	_, err := h.engine.Submit(context.Background(), mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	waitForState(t, h, mixvpn.StateConnected)

	removed := mixvpn.Destination{ID: "exit-b"}
	h.engine.ConfigReloaded(context.Background(), destination.Diff{Removed: []mixvpn.Destination{removed}})

	h.clock.Advance(25 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, mixvpn.StateConnected, h.engine.Snapshot().Kind)
}
