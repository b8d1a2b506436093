//go:build linux

package wgctrl

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceController manages a single kernel WireGuard interface. It is held
// exclusively by the supervisor (C7) — the worker never gets a handle to
// it, per spec.md §5's shared-resource rule.
type DeviceController struct {
	iface string
	mtu   int
}

// NewDeviceController creates a DeviceController for the named interface.
func NewDeviceController(iface string, mtu int) *DeviceController {
	return &DeviceController{iface: iface, mtu: mtu}
}

// ApplyPeer implements Controller.
func (d *DeviceController) ApplyPeer(_ context.Context, spec PeerSpec) error {
	link, err := ensureLink(d.iface, d.mtu)
	if err != nil {
		return err
	}

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("create wireguard client: %w", err)
	}
	defer client.Close()

	privKey := spec.PrivateKey
	port := spec.ListenPort
	peerCfg := wgtypes.PeerConfig{
		PublicKey:                   spec.RemotePublicKey,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  spec.AllowedIPs,
		PersistentKeepaliveInterval: &spec.Keepalive,
		Endpoint:                    spec.Endpoint,
	}
	cfg := wgtypes.Config{
		PrivateKey:   &privKey,
		ListenPort:   &port,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peerCfg},
	}
	if err := client.ConfigureDevice(d.iface, cfg); err != nil {
		return fmt.Errorf("configure wireguard device: %w", err)
	}

	if link.Attrs().Flags&unix.IFF_UP == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("set wireguard interface up: %w", err)
		}
	}
	return nil
}

// RemovePeer implements Controller.
func (d *DeviceController) RemovePeer(_ context.Context) error {
	link, err := netlink.LinkByName(d.iface)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("find wireguard interface %q: %w", d.iface, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete wireguard interface %q: %w", d.iface, err)
	}
	return nil
}

func ensureLink(iface string, mtu int) (netlink.Link, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); !ok {
			return nil, fmt.Errorf("find wireguard interface %q: %w", iface, err)
		}
		link = &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: iface}, LinkType: "wireguard"}
		if err := netlink.LinkAdd(link); err != nil {
			return nil, fmt.Errorf("create wireguard interface %q: %w", iface, err)
		}
		link, err = netlink.LinkByName(iface)
		if err != nil {
			return nil, fmt.Errorf("refetch wireguard interface %q: %w", iface, err)
		}
	}
	if link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil && !errors.Is(err, unix.EINVAL) {
			return nil, fmt.Errorf("set wireguard mtu on %q: %w", iface, err)
		}
	}
	return link, nil
}
