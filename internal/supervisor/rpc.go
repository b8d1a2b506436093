// Package supervisor implements C7: the privileged parent process that owns
// the tunnel device and routing/firewall state, fronts them over a
// length-prefixed RPC pipe inherited by the unprivileged worker it forks
// and execs, and restarts the worker with backoff if it dies.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn/internal/control"
	"mixvpn/pkg/routing"
	"mixvpn/pkg/wgctrl"
)

type rpcKind string

const (
	rpcApplyPeer      rpcKind = "apply_peer"
	rpcRemovePeer     rpcKind = "remove_peer"
	rpcInstallRoutes  rpcKind = "install_routes"
	rpcTearDownRoutes rpcKind = "tear_down_routes"
	// rpcReportIntent carries the destination the worker's engine last
	// dialed or connected to, so the supervisor can hand it back to the
	// next worker instance after a crash restart (acceptance scenario:
	// "engine replays last user intent").
	rpcReportIntent rpcKind = "report_intent"
)

// wirePeerSpec mirrors wgctrl.PeerSpec with JSON-safe key fields; wgtypes.Key
// doesn't implement encoding.TextMarshaler, so keys cross the pipe as their
// base64 String() form and are re-parsed on the other side.
type wirePeerSpec struct {
	PrivateKey      string        `json:"private_key"`
	RemotePublicKey string        `json:"remote_public_key"`
	AllowedIPs      []net.IPNet   `json:"allowed_ips"`
	Keepalive       time.Duration `json:"keepalive"`
	Endpoint        *net.UDPAddr  `json:"endpoint"`
	ListenPort      int           `json:"listen_port"`
}

func newWirePeerSpec(spec wgctrl.PeerSpec) wirePeerSpec {
	return wirePeerSpec{
		PrivateKey:      spec.PrivateKey.String(),
		RemotePublicKey: spec.RemotePublicKey.String(),
		AllowedIPs:      spec.AllowedIPs,
		Keepalive:       spec.Keepalive,
		Endpoint:        spec.Endpoint,
		ListenPort:      spec.ListenPort,
	}
}

func (w *wirePeerSpec) toPeerSpec() (wgctrl.PeerSpec, error) {
	priv, err := wgtypes.ParseKey(w.PrivateKey)
	if err != nil {
		return wgctrl.PeerSpec{}, fmt.Errorf("parse rpc private key: %w", err)
	}
	remote, err := wgtypes.ParseKey(w.RemotePublicKey)
	if err != nil {
		return wgctrl.PeerSpec{}, fmt.Errorf("parse rpc remote public key: %w", err)
	}
	return wgctrl.PeerSpec{
		PrivateKey:      priv,
		RemotePublicKey: remote,
		AllowedIPs:      w.AllowedIPs,
		Keepalive:       w.Keepalive,
		Endpoint:        w.Endpoint,
		ListenPort:      w.ListenPort,
	}, nil
}

type rpcRequest struct {
	Kind          rpcKind       `json:"kind"`
	Peer          *wirePeerSpec `json:"peer,omitempty"`
	Routing       *routing.Spec `json:"routing,omitempty"`
	DestinationID string        `json:"destination_id,omitempty"`
}

type rpcResponse struct {
	Error string `json:"error,omitempty"`
}

// RPCClient is the worker-side wgctrl.Controller and routing.Controller:
// every call is serialised and sent over rw to the supervisor, which
// applies it with real privilege and writes back an rpcResponse. Reuses
// internal/control's frame codec, per spec.md §6's "same framing on
// anonymous pipes."
type RPCClient struct {
	rw io.ReadWriter
	mu sync.Mutex
}

// NewRPCClient wraps the worker's inherited RPC pipe.
func NewRPCClient(rw io.ReadWriter) *RPCClient {
	return &RPCClient{rw: rw}
}

var (
	_ wgctrl.Controller  = (*RPCClient)(nil)
	_ routing.Controller = (*RPCClient)(nil)
)

func (c *RPCClient) call(req rpcRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	if err := control.WriteFrame(c.rw, payload); err != nil {
		return fmt.Errorf("send rpc request: %w", err)
	}

	respPayload, err := control.ReadFrame(c.rw)
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// ApplyPeer implements wgctrl.Controller.
func (c *RPCClient) ApplyPeer(_ context.Context, spec wgctrl.PeerSpec) error {
	wire := newWirePeerSpec(spec)
	return c.call(rpcRequest{Kind: rpcApplyPeer, Peer: &wire})
}

// RemovePeer implements wgctrl.Controller.
func (c *RPCClient) RemovePeer(_ context.Context) error {
	return c.call(rpcRequest{Kind: rpcRemovePeer})
}

// InstallRoutes implements routing.Controller.
func (c *RPCClient) InstallRoutes(_ context.Context, spec routing.Spec) error {
	return c.call(rpcRequest{Kind: rpcInstallRoutes, Routing: &spec})
}

// TearDownRoutes implements routing.Controller.
func (c *RPCClient) TearDownRoutes(_ context.Context) error {
	return c.call(rpcRequest{Kind: rpcTearDownRoutes})
}

// ReportIntent tells the supervisor which destination the engine is now
// dialing or connected to, so a crash restart can replay it.
func (c *RPCClient) ReportIntent(destinationID string) error {
	return c.call(rpcRequest{Kind: rpcReportIntent, DestinationID: destinationID})
}

// RPCServer is the supervisor side of the protocol: it reads requests off a
// pipe, applies them against the real controllers, and writes responses,
// until the pipe returns an error (the worker exited or closed its end).
type RPCServer struct {
	wg wgctrl.Controller
	rt routing.Controller

	// OnIntent, if set, is called with the destination ID carried by every
	// report_intent request.
	OnIntent func(destinationID string)
}

// NewRPCServer creates an RPCServer fronting the given controllers.
func NewRPCServer(wg wgctrl.Controller, rt routing.Controller) *RPCServer {
	return &RPCServer{wg: wg, rt: rt}
}

// Serve runs the request/response loop until reading from or writing to rw
// fails. ctx is passed to each dispatched call; its cancellation alone does
// not end the loop.
func (s *RPCServer) Serve(ctx context.Context, rw io.ReadWriter) error {
	for {
		payload, err := control.ReadFrame(rw)
		if err != nil {
			return err
		}

		var req rpcRequest
		if jsonErr := json.Unmarshal(payload, &req); jsonErr != nil {
			if werr := writeRPCResponse(rw, jsonErr); werr != nil {
				return werr
			}
			continue
		}

		applyErr := s.dispatch(ctx, req)
		if err := writeRPCResponse(rw, applyErr); err != nil {
			return err
		}
	}
}

func (s *RPCServer) dispatch(ctx context.Context, req rpcRequest) error {
	switch req.Kind {
	case rpcApplyPeer:
		if req.Peer == nil {
			return errors.New("apply_peer: missing peer spec")
		}
		spec, err := req.Peer.toPeerSpec()
		if err != nil {
			return err
		}
		return s.wg.ApplyPeer(ctx, spec)
	case rpcRemovePeer:
		return s.wg.RemovePeer(ctx)
	case rpcInstallRoutes:
		if req.Routing == nil {
			return errors.New("install_routes: missing routing spec")
		}
		return s.rt.InstallRoutes(ctx, *req.Routing)
	case rpcTearDownRoutes:
		return s.rt.TearDownRoutes(ctx)
	case rpcReportIntent:
		if s.OnIntent != nil {
			s.OnIntent(req.DestinationID)
		}
		return nil
	default:
		return fmt.Errorf("unknown rpc kind %q", req.Kind)
	}
}

func writeRPCResponse(rw io.ReadWriter, applyErr error) error {
	resp := rpcResponse{}
	if applyErr != nil {
		resp.Error = applyErr.Error()
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal rpc response: %w", err)
	}
	return control.WriteFrame(rw, payload)
}
