// Package routing is the external collaborator spec.md §1 carves out for OS
// routing/firewall rule installation. Like pkg/wgctrl, the real
// implementation belongs to C7 (the privileged supervisor, which spec.md
// §4.7 says owns "the routing table/policy rules + firewall rules exempting
// worker traffic"); internal/engine and internal/tunnel never import this
// package directly, only the RPC surface that fronts it.
package routing

import (
	"context"
	"net/netip"
)

// Spec describes the routes a connected tunnel needs and the worker
// process whose own traffic must bypass them (anti-loop: the worker's
// session traffic to the entry node must not itself be routed through the
// tunnel it is building).
type Spec struct {
	Interface      string
	Prefixes       []netip.Prefix
	WorkerUID      int
	DefaultGateway bool
}

// Controller installs and tears down kernel routing/firewall state for one
// active tunnel. Production: *LinuxController. Testing: *Fake.
type Controller interface {
	// InstallRoutes routes spec.Prefixes over spec.Interface and exempts
	// spec.WorkerUID's own traffic from them.
	InstallRoutes(ctx context.Context, spec Spec) error
	// TearDownRoutes removes everything InstallRoutes added. Idempotent
	// and safe to call with no worker process alive.
	TearDownRoutes(ctx context.Context) error
}
