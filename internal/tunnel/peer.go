package tunnel

import (
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Peer is the WireGuard layer whose UDP traffic is carried over a Session.
// A non-empty Peer exists iff the owning Session is Open and has passed its
// first verification, per spec.md §3.
type Peer struct {
	privateKey wgtypes.Key
	PublicKey  wgtypes.Key

	RemotePublicKey wgtypes.Key
	AllowedIPs      []net.IPNet
	Keepalive       time.Duration
	Endpoint        *net.UDPAddr

	pinned bool
}

// PrivateKey returns the peer's local private key. Callers must not retain
// or log it; Down zeroises the Peer's copy.
func (p *Peer) PrivateKey() wgtypes.Key {
	return p.privateKey
}

func (p *Peer) zeroise() {
	for i := range p.privateKey {
		p.privateKey[i] = 0
	}
}
