package entryclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn"
)

// Fake is an in-memory Client for tests, holding no socket and no goroutine.
// Grounded on getployz-ployz's testkit fakes for its controller interfaces.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]SessionHandle
	nextID   int

	// FailCreate, when non-nil, is returned by the next CreateSession call
	// and then cleared.
	FailCreate error
	// Unreachable marks a destination ID as permanently unreachable.
	Unreachable map[string]bool
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		sessions:    make(map[string]SessionHandle),
		Unreachable: make(map[string]bool),
	}
}

func (f *Fake) CreateSession(_ context.Context, dest mixvpn.Destination, _ mixvpn.Capabilities, _ mixvpn.PathSpec, _ int) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate != nil {
		err := f.FailCreate
		f.FailCreate = nil
		return SessionHandle{}, err
	}
	if f.Unreachable[dest.ID] {
		return SessionHandle{}, fmt.Errorf("destination %s unreachable", dest.ID)
	}

	f.nextID++
	remoteKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return SessionHandle{}, err
	}
	handle := SessionHandle{
		RemoteID:        fmt.Sprintf("remote-%d", f.nextID),
		CreatedAt:       time.Now(),
		RemotePublicKey: remoteKey.PublicKey().String(),
	}
	f.sessions[handle.RemoteID] = handle
	return handle, nil
}

func (f *Fake) ListSessions(_ context.Context) ([]SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SessionHandle, 0, len(f.sessions))
	for _, h := range f.sessions {
		out = append(out, h)
	}
	return out, nil
}

func (f *Fake) CloseSession(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, remoteID)
	return nil
}
