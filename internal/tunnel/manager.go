// Package tunnel implements C4: coordinating WireGuard peer/key lifecycle
// with a session's data-plane endpoint. Grounded on getployz-ployz's
// infra/wireguard/kernel/wg.go for the configure-device shape, generalized
// from a multi-peer mesh device to this process's single active peer.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn/pkg/routing"
	"mixvpn/pkg/wgctrl"
)

// RouteConfig is the part of a Manager's routing setup that doesn't change
// peer-to-peer: the tunnel interface name and the worker's own identity,
// which InstallRoutes must exempt from the routes it installs (spec.md
// §4.7's anti-loop requirement).
type RouteConfig struct {
	Interface      string
	WorkerUID      int
	DefaultGateway bool
}

// Manager owns the single WireGuard peer this process maintains, plus the
// routing/firewall state that makes that peer's AllowedIPs actually take
// traffic (spec.md §4.7: the two always share the connected tunnel's
// lifecycle). rt may be nil to skip routing entirely, e.g. in tests that
// only exercise the peer lifecycle.
type Manager struct {
	controller wgctrl.Controller
	rt         routing.Controller
	routeCfg   RouteConfig
	listenPort int
	pinnedKey  *wgtypes.Key

	mu      sync.Mutex
	current *Peer
}

// New creates a Manager. pinnedKey, if non-nil, disables Rotate and is
// reused by every Up call instead of generating a fresh keypair
// (config.wireguard.force_private_key, per spec.md §6).
func New(controller wgctrl.Controller, rt routing.Controller, routeCfg RouteConfig, listenPort int, pinnedKey *wgtypes.Key) *Manager {
	return &Manager{controller: controller, rt: rt, routeCfg: routeCfg, listenPort: listenPort, pinnedKey: pinnedKey}
}

// Up installs a new WireGuard peer bound to endpoint (the owning session's
// local UDP address).
func (m *Manager) Up(ctx context.Context, endpoint *net.UDPAddr, remotePublicKey wgtypes.Key, allowedIPs []net.IPNet, keepalive time.Duration) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyUp
	}

	priv, pinned, err := m.keypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}

	peer := &Peer{
		privateKey:      priv,
		PublicKey:       priv.PublicKey(),
		RemotePublicKey: remotePublicKey,
		AllowedIPs:      allowedIPs,
		Keepalive:       keepalive,
		Endpoint:        endpoint,
		pinned:          pinned,
	}

	spec := m.specFor(peer)
	if err := m.controller.ApplyPeer(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerApply, err)
	}

	if m.rt != nil {
		if err := m.rt.InstallRoutes(ctx, m.routeSpecFor(peer)); err != nil {
			if rbErr := m.controller.RemovePeer(ctx); rbErr != nil {
				return nil, fmt.Errorf("%w: %v (rollback of peer also failed: %v)", ErrRouteInstall, err, rbErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrRouteInstall, err)
		}
	}

	m.current = peer
	return peer, nil
}

// Down idempotently removes the installed peer and its routes, and
// zeroises the peer's private key. A nil or already-removed peer is a
// no-op. Both the peer and the routes are torn down even if one fails, so
// a single collaborator error never leaves the other half installed.
func (m *Manager) Down(ctx context.Context, peer *Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if peer == nil || m.current != peer {
		return nil
	}

	peerErr := m.controller.RemovePeer(ctx)
	var routeErr error
	if m.rt != nil {
		routeErr = m.rt.TearDownRoutes(ctx)
	}

	peer.zeroise()
	m.current = nil

	if peerErr != nil || routeErr != nil {
		return fmt.Errorf("tear down tunnel: %w", errors.Join(peerErr, routeErr))
	}
	return nil
}

// Rotate installs a fresh keypair for the current peer, applying the new
// peer before any bookkeeping for the old one is dropped, so the device is
// never without an installed peer. A pinned static key makes this a no-op,
// per spec.md §4.4's key policy.
func (m *Manager) Rotate(ctx context.Context, peer *Peer) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if peer == nil || m.current != peer {
		return nil, ErrAlreadyUp
	}
	if peer.pinned {
		return peer, nil
	}

	newPriv, _, err := m.keypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}

	newPeer := &Peer{
		privateKey:      newPriv,
		PublicKey:       newPriv.PublicKey(),
		RemotePublicKey: peer.RemotePublicKey,
		AllowedIPs:      peer.AllowedIPs,
		Keepalive:       peer.Keepalive,
		Endpoint:        peer.Endpoint,
	}

	spec := m.specFor(newPeer)
	if err := m.controller.ApplyPeer(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerApply, err)
	}

	peer.zeroise()
	m.current = newPeer
	return newPeer, nil
}

func (m *Manager) keypair() (wgtypes.Key, bool, error) {
	if m.pinnedKey != nil {
		return *m.pinnedKey, true, nil
	}
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, false, err
	}
	return key, false, nil
}

func (m *Manager) routeSpecFor(peer *Peer) routing.Spec {
	prefixes := make([]netip.Prefix, 0, len(peer.AllowedIPs))
	for _, n := range peer.AllowedIPs {
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ones, _ := n.Mask.Size()
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return routing.Spec{
		Interface:      m.routeCfg.Interface,
		Prefixes:       prefixes,
		WorkerUID:      m.routeCfg.WorkerUID,
		DefaultGateway: m.routeCfg.DefaultGateway,
	}
}

func (m *Manager) specFor(peer *Peer) wgctrl.PeerSpec {
	return wgctrl.PeerSpec{
		PrivateKey:      peer.privateKey,
		RemotePublicKey: peer.RemotePublicKey,
		AllowedIPs:      peer.AllowedIPs,
		Keepalive:       peer.Keepalive,
		Endpoint:        peer.Endpoint,
		ListenPort:      m.listenPort,
	}
}
