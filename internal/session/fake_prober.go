package session

import (
	"context"
	"net"
	"sync"
)

// FakeProber is a Prober for tests: it echoes the payload back unless
// configured to fail.
type FakeProber struct {
	mu       sync.Mutex
	FailNext int // number of subsequent Probe calls to fail
	Corrupt  bool
}

// NewFakeProber returns a FakeProber that echoes correctly by default.
func NewFakeProber() *FakeProber {
	return &FakeProber{}
}

// Probe implements Prober.
func (f *FakeProber) Probe(ctx context.Context, _ *net.UDPAddr, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext > 0 {
		f.FailNext--
		return nil, context.DeadlineExceeded
	}
	if f.Corrupt {
		out := make([]byte, len(payload))
		copy(out, payload)
		if len(out) > 0 {
			out[0] ^= 0xFF
		}
		return out, nil
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}
