// Package mixvpn holds the types shared across the connection lifecycle
// engine's components: destinations, commands, events, and session/engine
// status enums. Component packages (internal/session, internal/engine, ...)
// import these rather than redeclaring them, so a StatusReply built by
// internal/control can describe any component's state without an import
// cycle back into that component.
package mixvpn

import "time"

// PathSpec is a destination's routing preference: either an explicit
// ordered list of intermediate hop identifiers, or a hop count the entry
// node is free to satisfy with any intermediates.
type PathSpec struct {
	Intermediates []string
	Hops          uint8
}

// Explicit reports whether the path pins specific intermediate hops.
func (p PathSpec) Explicit() bool {
	return len(p.Intermediates) > 0
}

// Destination is a stable identifier for an exit node, its metadata labels,
// and its routing preference. Destinations are loaded from configuration and
// immutable for the lifetime of a reload epoch.
type Destination struct {
	ID   string
	Meta map[string]string
	Path PathSpec
}

// Capabilities are the optional session transport features a destination
// may request, mirrored on both the session's bridge leg and WireGuard leg.
type Capabilities struct {
	Segmentation    bool
	Retransmission  bool
}

// SessionStatus is the lifecycle status of a mixnet session.
type SessionStatus uint8

const (
	SessionOpening SessionStatus = iota
	SessionOpen
	SessionVerifying
	SessionDegraded
	SessionClosing
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionOpen:
		return "open"
	case SessionVerifying:
		return "verifying"
	case SessionDegraded:
		return "degraded"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CommandKind is the verb of a Command issued over the control socket.
type CommandKind uint8

const (
	CommandStatus CommandKind = iota
	CommandConnect
	CommandDisconnect
	CommandRefresh
)

func (k CommandKind) String() string {
	switch k {
	case CommandStatus:
		return "status"
	case CommandConnect:
		return "connect"
	case CommandDisconnect:
		return "disconnect"
	case CommandRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Command is issued by the control socket (C6) to the engine (C5).
type Command struct {
	Kind          CommandKind `json:"kind"`
	DestinationID string      `json:"destination_id,omitempty"`
	Follow        bool        `json:"follow,omitempty"`
}

// EventKind tags the variant carried by an Event on the event bus.
type EventKind uint8

const (
	EventStatusChanged EventKind = iota
	EventConfigReloaded
	EventProbeResult
	EventShutdownRequested
)

// Event is broadcast on the event bus (C8).
type Event struct {
	Kind EventKind `json:"kind"`

	State *EngineState `json:"state,omitempty"`

	ProbeSuccess bool           `json:"probe_success,omitempty"`
	ProbeRTT     *time.Duration `json:"probe_rtt,omitempty"`

	// DroppedCount is the number of events dropped from this subscriber's
	// full buffer since the buffer was last empty, counted when this event
	// was queued.
	DroppedCount int `json:"dropped_count,omitempty"`
}

// EngineStateKind is the tag of the EngineState union.
type EngineStateKind uint8

const (
	StateIdle EngineStateKind = iota
	StateDialing
	StateBridging
	StateVerifying
	StateConnected
	StateDisconnecting
	StateFailed
)

func (k EngineStateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateDialing:
		return "Dialing"
	case StateBridging:
		return "Bridging"
	case StateVerifying:
		return "Verifying"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DisconnectReason names why the engine entered Disconnecting.
type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	ReasonUser
	ReasonSwitch
	ReasonProbeFail
	ReasonConfigRemoved
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonUser:
		return "User"
	case ReasonSwitch:
		return "Switch"
	case ReasonProbeFail:
		return "ProbeFail"
	case ReasonConfigRemoved:
		return "ConfigRemoved"
	case ReasonShutdown:
		return "Shutdown"
	default:
		return "None"
	}
}

// FailReason names why the engine entered Failed.
type FailReason uint8

const (
	FailNone FailReason = iota
	FailDial
	FailTransport
	FailProtocol
	FailProbeFail
	FailPrivilege
	FailConfigRemoved
	FailShutdown
)

func (r FailReason) String() string {
	switch r {
	case FailDial:
		return "Dial"
	case FailTransport:
		return "Transport"
	case FailProtocol:
		return "Protocol"
	case FailProbeFail:
		return "ProbeFail"
	case FailPrivilege:
		return "Privilege"
	case FailConfigRemoved:
		return "ConfigRemoved"
	case FailShutdown:
		return "Shutdown"
	default:
		return "None"
	}
}

// EngineState is the process-wide connection lifecycle state (C5 §3).
// It is a tagged union realized as one struct with optional fields rather
// than a Go interface per variant, so it can be copied, snapshotted, and
// JSON-encoded for the control socket without a type switch at every call
// site.
type EngineState struct {
	Kind EngineStateKind `json:"kind"`

	DestinationID string `json:"destination_id,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`

	SessionID string        `json:"session_id,omitempty"`
	LocalPort int           `json:"local_port,omitempty"`
	PeerUp    bool          `json:"peer_up,omitempty"`

	DisconnectReason DisconnectReason `json:"disconnect_reason,omitempty"`
	FailReason       FailReason       `json:"fail_reason,omitempty"`
	NextRetryAt      time.Time        `json:"next_retry_at,omitempty"`
}

// Idle is the zero EngineState.
func Idle() EngineState { return EngineState{Kind: StateIdle} }
