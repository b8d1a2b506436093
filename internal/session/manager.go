// Package session implements C3: opening and maintaining a mixnet session
// to a destination, and continuously verifying it is alive via an in-band
// echo probe. The probe failure-counting and Degraded transition are
// adapted from dantte-lp-gobfd's session.go state handling; scheduling
// itself is owned here rather than by any BFD-style timer-negotiation.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	mathrand "math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn"
	"mixvpn/internal/backoff"
	"mixvpn/internal/eventbus"
	"mixvpn/pkg/entryclient"
)

// ProbeConfig configures the liveness probe loop, from config §6's
// connection.ping table.
type ProbeConfig struct {
	PayloadSize int
	Timeout     time.Duration
	IntervalMin time.Duration
	IntervalMax time.Duration
	MaxFailures int
}

// Manager owns session lifecycle for one engine: opening sessions against
// the entry node, running their probe loops, and closing them.
type Manager struct {
	entry   entryclient.Client
	clock   clockwork.Clock
	prober  Prober
	probe   ProbeConfig
	backoff *backoff.Policy
	bus     *eventbus.Bus
	metrics *Metrics
	rng     *mathrand.Rand

	mu       sync.Mutex
	sessions map[string]*Session // by destination ID
}

// New creates a Manager. clock and prober are injectable so tests never
// open a socket or sleep in real time. metrics may be nil, in which case
// open/probe counters are skipped.
func New(entry entryclient.Client, clock clockwork.Clock, prober Prober, probe ProbeConfig, backoffPolicy *backoff.Policy, bus *eventbus.Bus, metrics *Metrics) *Manager {
	return &Manager{
		entry:    entry,
		clock:    clock,
		prober:   prober,
		probe:    probe,
		backoff:  backoffPolicy,
		bus:      bus,
		metrics:  metrics,
		rng:      mathrand.New(mathrand.NewPCG(mathrand.Uint64(), mathrand.Uint64())),
		sessions: make(map[string]*Session),
	}
}

// Open creates a mixnet session to destination via the entry node and
// starts its probe loop. ctx bounds the open call itself
// (session_open_timeout); the probe loop it launches outlives ctx and is
// instead tied to the returned Session's own lifetime, stopped by Close.
func (m *Manager) Open(ctx context.Context, dest mixvpn.Destination, caps mixvpn.Capabilities, path mixvpn.PathSpec, localPort int) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[dest.ID]; ok && existing.Status() != mixvpn.SessionClosed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session already open for %s", ErrProtocol, dest.ID)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OpenAttempts.WithLabelValues(dest.ID).Inc()
	}

	handle, err := m.entry.CreateSession(ctx, dest, caps, path, localPort)
	if err != nil {
		if m.metrics != nil {
			m.metrics.OpenFailures.WithLabelValues(dest.ID).Inc()
		}
		return nil, classifyOpenError(err)
	}

	remoteKey, err := wgtypes.ParseKey(handle.RemotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid remote public key: %v", ErrProtocol, err)
	}

	localAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort}
	sess := newSession(dest, handle.RemoteID, localAddr, remoteKey, m.clock.Now())
	sess.setStatus(mixvpn.SessionOpen)

	probeCtx, cancel := context.WithCancel(context.Background())
	sess.stopProbe = cancel

	m.mu.Lock()
	m.sessions[dest.ID] = sess
	m.mu.Unlock()

	go m.probeLoop(probeCtx, sess)

	return sess, nil
}

func classifyOpenError(err error) error {
	var statusErr *entryclient.StatusError
	if asStatusErr(err, &statusErr) {
		switch statusErr.Code {
		case 404, 422:
			return fmt.Errorf("%w: %v", ErrDestinationUnreachable, err)
		case 409:
			return fmt.Errorf("%w: %v", ErrPortInUse, err)
		case 400, 501:
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrEntryUnavailable, err)
}

func asStatusErr(err error, target **entryclient.StatusError) bool {
	se, ok := err.(*entryclient.StatusError)
	if ok {
		*target = se
	}
	return ok
}

// Verify sends one probe and waits (up to probe_timeout) for a
// byte-identical echo, returning the observed round-trip time.
func (m *Manager) Verify(ctx context.Context, sess *Session) (time.Duration, error) {
	if sess.Status() == mixvpn.SessionClosed {
		return 0, ErrSessionClosed
	}

	payload := make([]byte, m.probe.PayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return 0, fmt.Errorf("generate probe payload: %w", err)
	}

	probeCtx, cancel := probeDeadline(ctx, m.probe.Timeout)
	defer cancel()

	start := m.clock.Now()
	echo, err := m.prober.Probe(probeCtx, sess.LocalAddr, payload)
	rtt := m.clock.Now().Sub(start)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	if !bytesEqual(echo, payload) {
		return 0, ErrProbeMismatch
	}
	return rtt, nil
}

// Close idempotently tears down a session: cancels its probe loop, asks the
// entry node to close it, and marks it Closed.
func (m *Manager) Close(ctx context.Context, sess *Session) error {
	if sess.Status() == mixvpn.SessionClosed {
		return nil
	}

	if sess.stopProbe != nil {
		sess.stopProbe()
	}
	sess.setStatus(mixvpn.SessionClosing)

	err := m.entry.CloseSession(ctx, sess.RemoteID)
	sess.setStatus(mixvpn.SessionClosed)

	m.mu.Lock()
	if m.sessions[sess.Destination.ID] == sess {
		delete(m.sessions, sess.Destination.ID)
	}
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close session at entry node: %w", err)
	}
	return nil
}

// Status returns the session's current status.
func (m *Manager) Status(sess *Session) mixvpn.SessionStatus {
	return sess.Status()
}

// probeLoop implements the scheduling/failure-counting rules of spec.md
// §4.3: at most one probe in flight at a time, monotonic scheduling, and a
// transition to Degraded after probe_max_failures consecutive failures.
func (m *Manager) probeLoop(ctx context.Context, sess *Session) {
	for {
		wait := m.nextProbeInterval()
		timer := m.clock.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		if ctx.Err() != nil {
			return
		}

		if m.metrics != nil {
			m.metrics.ProbesSent.WithLabelValues(sess.Destination.ID).Inc()
		}

		rtt, err := m.Verify(ctx, sess)
		if err == nil {
			if sess.FailureCount() > 0 {
				sess.resetProbeFailures()
				if sess.Status() == mixvpn.SessionDegraded {
					sess.setStatus(mixvpn.SessionOpen)
				}
			}
			m.publishProbeResult(true, rtt)
			continue
		}

		failures := sess.recordProbeFailure()
		slog.Warn("probe failed", "destination", sess.Destination.ID, "failures", failures, "err", err)
		if m.metrics != nil {
			m.metrics.ProbeFailed.WithLabelValues(sess.Destination.ID).Inc()
		}

		if failures >= m.probe.MaxFailures {
			sess.setStatus(mixvpn.SessionDegraded)
			m.publishProbeResult(false, 0)
			continue
		}

		// Re-probe immediately after a bounded backoff delay rather than
		// waiting for the next scheduled interval.
		retryDelay := m.backoff.Next(failures)
		retryTimer := m.clock.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.Chan():
		}
	}
}

func (m *Manager) publishProbeResult(success bool, rtt time.Duration) {
	if m.bus == nil {
		return
	}
	ev := mixvpn.Event{Kind: mixvpn.EventProbeResult, ProbeSuccess: success}
	if success {
		ev.ProbeRTT = &rtt
	}
	m.bus.Publish(ev)
}

func (m *Manager) nextProbeInterval() time.Duration {
	lo, hi := m.probe.IntervalMin, m.probe.IntervalMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	offset := time.Duration(m.rng.Int64N(int64(span) + 1))
	return lo + offset
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
