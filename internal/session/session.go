package session

import (
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn"
)

// Session is one logical tunnel through the mixnet, addressed locally by a
// UDP endpoint. Mutable fields are owned by Manager's probe loop; Status and
// FailureCount are read by other goroutines via the accessor methods, which
// take the lock.
type Session struct {
	Destination     mixvpn.Destination
	RemoteID        string
	LocalAddr       *net.UDPAddr
	CreatedAt       time.Time
	RemotePublicKey wgtypes.Key

	mu           sync.Mutex
	status       mixvpn.SessionStatus
	failureCount int

	stopProbe func()
}

func newSession(dest mixvpn.Destination, remoteID string, localAddr *net.UDPAddr, remotePublicKey wgtypes.Key, now time.Time) *Session {
	return &Session{
		Destination:     dest,
		RemoteID:        remoteID,
		LocalAddr:       localAddr,
		CreatedAt:       now,
		RemotePublicKey: remotePublicKey,
		status:          mixvpn.SessionOpening,
	}
}

// Status returns the session's current status.
func (s *Session) Status() mixvpn.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// FailureCount returns the current consecutive-probe-failure count.
func (s *Session) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCount
}

func (s *Session) setStatus(st mixvpn.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) recordProbeFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	return s.failureCount
}

func (s *Session) resetProbeFailures() {
	s.mu.Lock()
	s.failureCount = 0
	s.mu.Unlock()
}
