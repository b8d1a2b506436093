package tunnel

import "errors"

// Tunnel errors returned by Manager.Up and Manager.Rotate, per spec.md §4.4.
var (
	// ErrKeyGen means a new WireGuard keypair could not be generated.
	ErrKeyGen = errors.New("wireguard keypair generation failed")
	// ErrPeerApply means the controller rejected the peer configuration.
	ErrPeerApply = errors.New("wireguard peer apply failed")
	// ErrAlreadyUp means Up was called for a session that already has a
	// peer installed.
	ErrAlreadyUp = errors.New("tunnel already up")
	// ErrRouteInstall means the peer came up but routing/firewall
	// installation failed; Up rolls the peer back before returning this.
	ErrRouteInstall = errors.New("route installation failed")
)
