// Package engine implements C5: the connection-lifecycle state machine.
// EngineState is owned and mutated only by the goroutine running Run; every
// other reader gets a snapshot copy, per spec.md §5. Structurally this
// keeps getployz-ployz's machine/machine.go shape — a mutex-guarded status
// struct, a single worker goroutine, best-effort cleanup on the way out —
// generalized from "one network's mesh worker" to "one destination's
// connection attempt."
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"mixvpn"
	"mixvpn/internal/backoff"
	"mixvpn/internal/destination"
	"mixvpn/internal/eventbus"
	"mixvpn/internal/session"
	"mixvpn/internal/tunnel"
)

// Config holds the engine's tunables, sourced from config §6's
// `connection` table.
type Config struct {
	DialMaxAttempts  int
	ProbeMaxFailures int
	ShutdownDeadline time.Duration
	Capabilities     mixvpn.Capabilities
	AllowedIPs       []net.IPNet
	Keepalive        time.Duration
	LocalPortBase    int
}

// Engine drives the connection lifecycle for at most one active
// destination at a time (invariant iii, spec.md §4.5).
type Engine struct {
	cfg         Config
	clock       clockwork.Clock
	destination *destination.Store
	sessions    *session.Manager
	tunnels     *tunnel.Manager
	backoff     *backoff.Policy
	bus         *eventbus.Bus
	probeSub    *eventbus.Subscription

	mu    sync.Mutex
	state mixvpn.EngineState

	cmds     chan cmdRequest
	internal chan internalMsg

	curSession *session.Session
	curPeer    *tunnel.Peer
	localPort  int

	// attemptCtx/attemptCancel bound the currently in-flight Dialing/
	// Bridging/Verifying subtree; beginDisconnect cancels it so a Disconnect
	// or destination switch stops an in-flight dial/peer-up immediately
	// instead of leaving it running to apply a stale result later (spec.md
	// §5, invariant iii). generation is bumped on every beginDisconnect and
	// every fresh attempt; onDialDone/onPeerUpDone discard any completion
	// whose stamped generation no longer matches e.generation.
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	generation    uint64

	// pendingSwitch is the destination Connect(d') asked for while the
	// engine was mid-flight on another destination (invariant iii);
	// applied once the forced Disconnecting(Switch) reaches Idle.
	pendingSwitch *mixvpn.Destination
	// lastDestination is the destination to auto-retry once a Failed
	// state's NextRetryAt arrives.
	lastDestination *mixvpn.Destination
}

type cmdRequest struct {
	cmd  mixvpn.Command
	resp chan mixvpn.EngineState
}

// internalMsg is the set of asynchronous completions the Run loop reacts
// to; each one is produced by exactly one goroutine the loop itself
// launched, per spec.md §5's single-owner-per-operation rule.
type internalMsg interface{ isInternalMsg() }

type dialDone struct {
	dest mixvpn.Destination
	sess *session.Session
	err  error
	gen  uint64
}

func (dialDone) isInternalMsg() {}

type peerUpDone struct {
	peer *tunnel.Peer
	err  error
	gen  uint64
}

func (peerUpDone) isInternalMsg() {}

type cleanupDone struct{}

func (cleanupDone) isInternalMsg() {}

type retryDue struct{}

func (retryDue) isInternalMsg() {}

// dialRetryDue is the backoff-wait continuation of a failed dial, delivered
// through the internal channel (rather than called directly from the
// waiting goroutine) so the Run loop stays the sole mutator of engine state
// and can discard it by generation if a Disconnect or switch happened
// during the wait.
type dialRetryDue struct {
	dest    mixvpn.Destination
	attempt int
	gen     uint64
}

func (dialRetryDue) isInternalMsg() {}

type configReloaded struct {
	diff destination.Diff
}

func (configReloaded) isInternalMsg() {}

// New creates an Engine at rest in Idle.
func New(cfg Config, clock clockwork.Clock, destinations *destination.Store, sessions *session.Manager, tunnels *tunnel.Manager, backoffPolicy *backoff.Policy, bus *eventbus.Bus) *Engine {
	return &Engine{
		cfg:         cfg,
		clock:       clock,
		destination: destinations,
		sessions:    sessions,
		tunnels:     tunnels,
		backoff:     backoffPolicy,
		bus:         bus,
		state:       mixvpn.Idle(),
		cmds:        make(chan cmdRequest),
		internal:    make(chan internalMsg, 8),
		localPort:   cfg.LocalPortBase,
	}
}

// Snapshot returns a copy of the current EngineState. Safe to call from any
// goroutine.
func (e *Engine) Snapshot() mixvpn.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Submit enqueues a command and returns the EngineState immediately after
// the engine applies the command's synchronous effect (the state machine's
// eventual settling, e.g. a successful dial, happens asynchronously and is
// observed via StatusChanged events).
func (e *Engine) Submit(ctx context.Context, cmd mixvpn.Command) (mixvpn.EngineState, error) {
	resp := make(chan mixvpn.EngineState, 1)
	select {
	case e.cmds <- cmdRequest{cmd: cmd, resp: resp}:
	case <-ctx.Done():
		return mixvpn.EngineState{}, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return mixvpn.EngineState{}, ctx.Err()
	}
}

// Run is the engine's single-goroutine event loop. It returns when ctx is
// canceled and cleanup has completed (or shutdown_deadline has elapsed).
func (e *Engine) Run(ctx context.Context) error {
	e.probeSub = e.bus.Subscribe(4)
	defer e.probeSub.Unsubscribe()

	var retryTimer clockwork.Timer
	stopRetryTimer := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
		}
	}
	defer stopRetryTimer()

	shuttingDown := false

	for {
		if !shuttingDown && ctx.Err() != nil {
			shuttingDown = true
			e.beginDisconnect(ctx, mixvpn.ReasonShutdown, mixvpn.FailShutdown)
		}

		var retryChan <-chan time.Time
		if retryTimer != nil {
			retryChan = retryTimer.Chan()
		}

		select {
		case <-ctx.Done():
			if !shuttingDown {
				shuttingDown = true
				e.beginDisconnect(context.Background(), mixvpn.ReasonShutdown, mixvpn.FailShutdown)
			}

		case req := <-e.cmds:
			st := e.handleCommand(ctx, req.cmd)
			req.resp <- st
			if e.state.Kind == mixvpn.StateFailed && e.state.NextRetryAt.After(e.clock.Now()) {
				stopRetryTimer()
				retryTimer = e.clock.NewTimer(e.state.NextRetryAt.Sub(e.clock.Now()))
			}

		case ev := <-e.probeSub.Events():
			e.handleProbeEvent(ctx, ev)

		case msg := <-e.internal:
			e.handleInternal(ctx, msg)
			if e.state.Kind == mixvpn.StateFailed {
				stopRetryTimer()
				if wait := e.state.NextRetryAt.Sub(e.clock.Now()); wait > 0 {
					retryTimer = e.clock.NewTimer(wait)
				}
			}
			if e.state.Kind == mixvpn.StateIdle && shuttingDown {
				return nil
			}

		case <-retryChan:
			stopRetryTimer()
			e.handleInternal(ctx, retryDue{})
		}
	}
}

func (e *Engine) setState(st mixvpn.EngineState) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
	e.bus.Publish(mixvpn.Event{Kind: mixvpn.EventStatusChanged, State: &st})
}

// handleCommand applies a Command's synchronous effect and returns the
// resulting (possibly still-transitioning) state.
func (e *Engine) handleCommand(ctx context.Context, cmd mixvpn.Command) mixvpn.EngineState {
	switch cmd.Kind {
	case mixvpn.CommandConnect:
		return e.handleConnect(ctx, cmd.DestinationID)
	case mixvpn.CommandDisconnect:
		if e.state.Kind != mixvpn.StateIdle && e.state.Kind != mixvpn.StateDisconnecting {
			e.beginDisconnect(ctx, mixvpn.ReasonUser, mixvpn.FailNone)
		}
		return e.Snapshot()
	case mixvpn.CommandRefresh:
		// Refresh re-reads identity and the destination table (DESIGN.md
		// Open Question #2); the destination-table half is driven by the
		// same path as a config reload diff, applied by the caller.
		return e.Snapshot()
	case mixvpn.CommandStatus:
		return e.Snapshot()
	default:
		return e.Snapshot()
	}
}

func (e *Engine) handleConnect(ctx context.Context, destID string) mixvpn.EngineState {
	dest, err := e.destination.Resolve(destID)
	if err != nil {
		return e.Snapshot()
	}

	if e.state.Kind != mixvpn.StateIdle {
		// Invariant (iii): switch destinations by first draining through
		// Disconnecting(Switch), then re-dialing once Idle is reached.
		e.pendingSwitch = &dest
		e.beginDisconnect(ctx, mixvpn.ReasonSwitch, mixvpn.FailNone)
		return e.Snapshot()
	}

	attemptCtx, gen := e.beginAttempt(ctx)
	e.startDialing(attemptCtx, gen, dest, 0)
	return e.Snapshot()
}

// beginAttempt opens a fresh cancelable subtree rooted at parent, canceling
// whatever attempt preceded it, and stamps a new generation. Completions
// tagged with an older generation are from an attempt the engine has since
// abandoned and are discarded rather than applied (spec.md §5, invariant
// iii).
func (e *Engine) beginAttempt(parent context.Context) (context.Context, uint64) {
	if e.attemptCancel != nil {
		e.attemptCancel()
	}
	attemptCtx, cancel := context.WithCancel(parent)
	e.attemptCtx = attemptCtx
	e.attemptCancel = cancel
	e.generation++
	return attemptCtx, e.generation
}

func (e *Engine) startDialing(ctx context.Context, gen uint64, dest mixvpn.Destination, attempt int) {
	e.setState(mixvpn.EngineState{Kind: mixvpn.StateDialing, DestinationID: dest.ID, Attempt: attempt})

	port := e.localPort
	e.localPort++

	go func() {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		sess, err := e.sessions.Open(openCtx, dest, e.cfg.Capabilities, dest.Path, port)
		e.internal <- dialDone{dest: dest, sess: sess, err: err, gen: gen}
	}()
}

func (e *Engine) handleProbeEvent(ctx context.Context, ev mixvpn.Event) {
	if ev.Kind != mixvpn.EventProbeResult {
		return
	}
	switch e.state.Kind {
	case mixvpn.StateBridging:
		if ev.ProbeSuccess {
			e.setState(mixvpn.EngineState{Kind: mixvpn.StateVerifying, DestinationID: e.state.DestinationID, SessionID: e.curSession.RemoteID, LocalPort: e.curSession.LocalAddr.Port})
			e.startPeerUp(e.attemptCtx, e.generation)
		} else {
			e.beginDisconnect(ctx, mixvpn.ReasonProbeFail, mixvpn.FailProbeFail)
		}
	case mixvpn.StateVerifying:
		// DESIGN.md Open Question #1: probe failures during Verifying count
		// toward probe_max_failures exactly like Bridging/Connected.
		if !ev.ProbeSuccess {
			e.beginDisconnect(ctx, mixvpn.ReasonProbeFail, mixvpn.FailProbeFail)
		}
	case mixvpn.StateConnected:
		if ev.ProbeSuccess {
			e.setState(mixvpn.EngineState{Kind: mixvpn.StateConnected, DestinationID: e.state.DestinationID, SessionID: e.state.SessionID, LocalPort: e.state.LocalPort, PeerUp: true})
		} else {
			e.beginDisconnect(ctx, mixvpn.ReasonProbeFail, mixvpn.FailProbeFail)
		}
	}
}

func (e *Engine) startPeerUp(ctx context.Context, gen uint64) {
	sess := e.curSession
	go func() {
		peerCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		peer, err := e.tunnels.Up(peerCtx, sess.LocalAddr, sess.RemotePublicKey, e.cfg.AllowedIPs, e.cfg.Keepalive)
		e.internal <- peerUpDone{peer: peer, err: err, gen: gen}
	}()
}

func (e *Engine) handleInternal(ctx context.Context, msg internalMsg) {
	switch m := msg.(type) {
	case dialDone:
		e.onDialDone(m)
	case dialRetryDue:
		e.onDialRetryDue(m)
	case peerUpDone:
		e.onPeerUpDone(m)
	case cleanupDone:
		e.onCleanupDone(ctx)
	case retryDue:
		e.onRetryDue(ctx)
	case configReloaded:
		e.onConfigReloaded(ctx, m.diff)
	}
}

func (e *Engine) onDialDone(m dialDone) {
	if m.gen != e.generation {
		// Abandoned attempt (Disconnect or switch raced the dial): tear
		// down whatever it opened instead of applying it.
		if m.sess != nil {
			sess := m.sess
			go func() {
				if err := e.sessions.Close(context.Background(), sess); err != nil {
					slog.Warn("stale session teardown error", "err", err)
				}
			}()
		}
		return
	}

	if m.err == nil {
		e.curSession = m.sess
		e.setState(mixvpn.EngineState{Kind: mixvpn.StateBridging, DestinationID: m.dest.ID, SessionID: m.sess.RemoteID, LocalPort: m.sess.LocalAddr.Port})
		return
	}

	attempt := e.state.Attempt + 1
	if errors.Is(m.err, session.ErrProtocol) {
		// A protocol error ends this dial sequence at once instead of being
		// retried under C1; the Failed state still schedules a fresh
		// attempt at NextRetryAt.
		e.setState(mixvpn.EngineState{Kind: mixvpn.StateFailed, DestinationID: m.dest.ID, FailReason: mixvpn.FailProtocol, NextRetryAt: e.clock.Now().Add(e.backoff.Next(attempt))})
		e.lastDestination = &m.dest
		return
	}

	if attempt >= e.cfg.DialMaxAttempts {
		e.setState(mixvpn.EngineState{Kind: mixvpn.StateFailed, DestinationID: m.dest.ID, FailReason: mixvpn.FailDial, NextRetryAt: e.clock.Now().Add(e.backoff.Next(attempt))})
		e.lastDestination = &m.dest
		return
	}

	delay := e.backoff.Next(attempt)
	dest := m.dest
	gen := m.gen
	retryCtx := e.attemptCtx
	e.setState(mixvpn.EngineState{Kind: mixvpn.StateDialing, DestinationID: dest.ID, Attempt: attempt})
	go func() {
		timer := e.clock.NewTimer(delay)
		select {
		case <-timer.Chan():
			select {
			case e.internal <- dialRetryDue{dest: dest, attempt: attempt, gen: gen}:
			case <-retryCtx.Done():
			}
		case <-retryCtx.Done():
			timer.Stop()
		}
	}()
}

func (e *Engine) onDialRetryDue(m dialRetryDue) {
	if m.gen != e.generation {
		return
	}
	e.startDialing(e.attemptCtx, m.gen, m.dest, m.attempt)
}

func (e *Engine) onPeerUpDone(m peerUpDone) {
	if m.gen != e.generation {
		if m.peer != nil {
			peer := m.peer
			go func() {
				if err := e.tunnels.Down(context.Background(), peer); err != nil {
					slog.Warn("stale peer teardown error", "err", err)
				}
			}()
		}
		return
	}

	if m.err != nil {
		e.beginDisconnect(context.Background(), mixvpn.ReasonNone, mixvpn.FailPrivilege)
		return
	}
	e.curPeer = m.peer
	e.setState(mixvpn.EngineState{Kind: mixvpn.StateConnected, DestinationID: e.state.DestinationID, SessionID: e.state.SessionID, LocalPort: e.state.LocalPort, PeerUp: true})
}

// beginDisconnect moves to Disconnecting(reason) and launches the bounded
// cleanup task. Invariant (ii): cleanup always completes within
// shutdown_deadline even if downstream calls error. Canceling attemptCancel
// and bumping generation stops whatever Dialing/Bridging/Verifying subtree
// was in flight deterministically, and invalidates any of its completions
// still in the internal channel (spec.md §5).
func (e *Engine) beginDisconnect(ctx context.Context, reason mixvpn.DisconnectReason, failReason mixvpn.FailReason) {
	if e.state.Kind == mixvpn.StateDisconnecting {
		return
	}

	if e.attemptCancel != nil {
		e.attemptCancel()
		e.attemptCancel = nil
	}
	e.generation++

	destID := e.state.DestinationID
	e.setState(mixvpn.EngineState{Kind: mixvpn.StateDisconnecting, DestinationID: destID, DisconnectReason: reason, FailReason: failReason})

	sess, peer := e.curSession, e.curPeer
	e.curSession, e.curPeer = nil, nil

	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownDeadline)
		defer cancel()

		if peer != nil {
			if err := e.tunnels.Down(cleanupCtx, peer); err != nil {
				slog.Warn("tunnel teardown error during disconnect", "err", err)
			}
		}
		if sess != nil {
			if err := e.sessions.Close(cleanupCtx, sess); err != nil {
				slog.Warn("session teardown error during disconnect", "err", err)
			}
		}

		e.internal <- cleanupDone{}
	}()
}

func (e *Engine) onCleanupDone(ctx context.Context) {
	reason := e.state.DisconnectReason
	failReason := e.state.FailReason

	if failReason != mixvpn.FailNone && failReason != mixvpn.FailShutdown {
		destID := e.state.DestinationID
		if dest, err := e.destination.Resolve(destID); err == nil {
			e.lastDestination = &dest
		}
		e.setState(mixvpn.EngineState{Kind: mixvpn.StateFailed, DestinationID: destID, FailReason: failReason, NextRetryAt: e.clock.Now().Add(e.backoff.Next(0))})
		return
	}

	e.setState(mixvpn.Idle())

	if reason == mixvpn.ReasonSwitch && e.pendingSwitch != nil {
		dest := *e.pendingSwitch
		e.pendingSwitch = nil
		attemptCtx, gen := e.beginAttempt(ctx)
		e.startDialing(attemptCtx, gen, dest, 0)
	}
}

func (e *Engine) onRetryDue(ctx context.Context) {
	if e.state.Kind != mixvpn.StateFailed || e.lastDestination == nil {
		return
	}
	dest := *e.lastDestination
	e.lastDestination = nil
	attemptCtx, gen := e.beginAttempt(ctx)
	e.startDialing(attemptCtx, gen, dest, 0)
}

// ConfigReloaded queues a destination-table diff produced by
// destination.Store.Replace for the Run loop to apply. Safe to call from
// any goroutine (e.g. internal/config.Watcher's reload consumer), unlike
// the engine's other state transitions, which only ever run inside Run.
func (e *Engine) ConfigReloaded(ctx context.Context, diff destination.Diff) {
	select {
	case e.internal <- configReloaded{diff: diff}:
	case <-ctx.Done():
	}
}

// onConfigReloaded applies diff on the Run loop's goroutine. If the active
// destination was removed, the engine drains through
// Disconnecting(ConfigRemoved).
func (e *Engine) onConfigReloaded(ctx context.Context, diff destination.Diff) {
	e.bus.Publish(mixvpn.Event{Kind: mixvpn.EventConfigReloaded})

	if e.state.Kind == mixvpn.StateIdle || e.state.Kind == mixvpn.StateDisconnecting {
		return
	}
	for _, removed := range diff.Removed {
		if removed.ID == e.state.DestinationID {
			e.beginDisconnect(ctx, mixvpn.ReasonConfigRemoved, mixvpn.FailNone)
			return
		}
	}
}
