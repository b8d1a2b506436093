// Package wgctrl is the external collaborator spec.md §1 carves out for raw
// WireGuard userspace/kernel bindings: internal/tunnel only ever depends on
// the Controller interface below. The real implementation configures a
// kernel WireGuard device via golang.zx2c4.com/wireguard/wgctrl, grounded
// on getployz-ployz's infra/wireguard/kernel/wg.go.
package wgctrl

import (
	"context"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerSpec describes the single peer a tunnel device should have installed.
type PeerSpec struct {
	PrivateKey      wgtypes.Key
	RemotePublicKey wgtypes.Key
	AllowedIPs      []net.IPNet
	Keepalive       time.Duration
	Endpoint        *net.UDPAddr
	ListenPort      int
}

// Controller is the capability internal/tunnel consumes to install and
// remove a WireGuard peer. Production: *DeviceController. Testing: *Fake.
type Controller interface {
	// ApplyPeer replaces the device's private key, listen port and single
	// peer atomically: the device never exists with a key but no peer, or
	// a peer but no key.
	ApplyPeer(ctx context.Context, spec PeerSpec) error
	// RemovePeer tears the device down. Idempotent.
	RemovePeer(ctx context.Context) error
}
