package session

import (
	"context"
	"net"
	"time"
)

// Prober sends a bounded opaque payload over a session's data plane and
// waits for a byte-identical echo, per spec.md §4.3. It is the capability
// boundary the source's BFD-style echo-probe FSM shape is adapted from
// (dantte-lp-gobfd's internal/bfd/echo.go), injected so Manager never opens
// a real socket in tests.
type Prober interface {
	Probe(ctx context.Context, localAddr *net.UDPAddr, payload []byte) ([]byte, error)
}

// UDPProber is the production Prober: it writes payload to the session's
// local UDP endpoint and waits for the echo on the same socket. The local
// endpoint is expected to be serviced by the worker's session data plane,
// which loops the probe back to the destination and returns its reply.
type UDPProber struct{}

// Probe implements Prober.
func (UDPProber) Probe(ctx context.Context, localAddr *net.UDPAddr, payload []byte) ([]byte, error) {
	conn, err := net.DialUDP("udp", nil, localAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	var n int
	buf := make([]byte, len(payload))
	var readErr error
	go func() {
		defer close(done)
		if _, werr := conn.Write(payload); werr != nil {
			readErr = werr
			return
		}
		n, readErr = conn.Read(buf)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		if readErr != nil {
			return nil, readErr
		}
		return buf[:n], nil
	}
}

// probeDeadline bounds a single probe attempt to probe_timeout.
func probeDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
