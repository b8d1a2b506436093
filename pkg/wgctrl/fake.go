package wgctrl

import (
	"context"
	"sync"
)

// Fake is an in-memory Controller for tests.
type Fake struct {
	mu      sync.Mutex
	applied *PeerSpec

	// FailApply, when non-nil, is returned by the next ApplyPeer call and
	// then cleared.
	FailApply error
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{}
}

// ApplyPeer implements Controller.
func (f *Fake) ApplyPeer(_ context.Context, spec PeerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailApply != nil {
		err := f.FailApply
		f.FailApply = nil
		return err
	}
	s := spec
	f.applied = &s
	return nil
}

// RemovePeer implements Controller.
func (f *Fake) RemovePeer(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = nil
	return nil
}

// Applied returns the currently-installed spec, or nil if none.
func (f *Fake) Applied() *PeerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}
