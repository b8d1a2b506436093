//go:build linux

package routing

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ruleTablePriority keeps the worker-exemption rule ahead of the tunnel's
// own routes in the kernel's rule evaluation order.
const ruleTablePriority = 100

// LinuxController installs routes and a UID-based policy-routing rule that
// exempts the unprivileged worker's own traffic from the tunnel, grounded
// on getployz-ployz's infra/wireguard/kernel/wg.go syncRoutes.
type LinuxController struct {
	installed []netlink.Route
	rule      *netlink.Rule
}

// NewLinuxController returns a ready LinuxController.
func NewLinuxController() *LinuxController {
	return &LinuxController{}
}

// InstallRoutes implements Controller.
func (c *LinuxController) InstallRoutes(_ context.Context, spec Spec) error {
	link, err := netlink.LinkByName(spec.Interface)
	if err != nil {
		return fmt.Errorf("find tunnel interface %q: %w", spec.Interface, err)
	}

	rule := netlink.NewRule()
	rule.UIDRange = &netlink.UIDRange{Start: uint32(spec.WorkerUID), End: uint32(spec.WorkerUID)}
	rule.Table = 254 // main table: the worker's own traffic bypasses the tunnel's routes
	rule.Priority = ruleTablePriority
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("install worker-exemption rule: %w", err)
	}
	c.rule = rule

	for _, pfx := range spec.Prefixes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       prefixToIPNet(pfx),
		}
		if err := netlink.RouteReplace(route); err != nil {
			_ = c.TearDownRoutes(context.Background())
			return fmt.Errorf("install route %s via %s: %w", pfx, spec.Interface, err)
		}
		c.installed = append(c.installed, *route)
	}

	return nil
}

// TearDownRoutes implements Controller. Safe to call with nothing
// installed, and safe to call more than once.
func (c *LinuxController) TearDownRoutes(_ context.Context) error {
	var firstErr error
	for _, route := range c.installed {
		r := route
		if err := netlink.RouteDel(&r); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove route %s: %w", r.Dst, err)
		}
	}
	c.installed = nil

	if c.rule != nil {
		if err := netlink.RuleDel(c.rule); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove worker-exemption rule: %w", err)
		}
		c.rule = nil
	}

	return firstErr
}

func prefixToIPNet(pfx netip.Prefix) *net.IPNet {
	bits := 32
	if pfx.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{IP: pfx.Addr().AsSlice(), Mask: net.CIDRMask(pfx.Bits(), bits)}
}
