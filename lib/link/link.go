// Package link implements the Link Manager: the inventory of transport
// links and their live sessions to remote routers, a unified
// peer-facing send/receive surface, bandwidth accounting, and session
// persistence ("keep alive until T" commitments).
//
// The transport-layer wire codec (handshake crypto, framing) is out of
// scope here; Link and LinkSession are the abstract contract a concrete
// transport (NTCP2-alike, QUIC-alike, …) must satisfy.
package link

import (
	"time"

	"github.com/oxenmesh/meshnet/lib/rc"
)

// State is a LinkSession's lifecycle state.
type State int

const (
	Pending State = iota
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction distinguishes who dialed whom.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Tristate answers a yes/no/unknown question without conflating
// "unknown" with "no" (used by session_is_client).
type Tristate int

const (
	Unknown Tristate = iota
	Yes
	No
)

// Status is the outcome reported to a send completion callback. Send
// failures surface only this way — never as an error return from
// send_to itself.
type Status int

const (
	DeliverySuccess Status = iota
	DeliveryDropped
)

// Stats carries per-session bandwidth and reliability counters.
type Stats struct {
	RxRateBps   float64
	TxRateBps   float64
	TotalRxBz   uint64
	TotalTxBz   uint64
	Dropped     uint64
	InFlight    uint64
	Acked       uint64
	LastUpdated time.Time
}

// CompletionFunc is invoked exactly once per Send call, regardless of
// outcome.
type CompletionFunc func(Status)

// Session is one live transport connection to a remote router.
type Session interface {
	RemoteID() rc.ID
	RemoteRC() rc.Contact
	Direction() Direction
	State() State
	Stats() Stats
	// IsRelay reports whether the remote end identified itself as a
	// public relay during the handshake; only meaningful for inbound
	// sessions (session_is_client relies on this for inbound peers).
	IsRelay() bool
	// Send enqueues buf for delivery; the completion fires once the
	// send either succeeds or is abandoned. Returns false immediately
	// if the session cannot accept more work (e.g. Closing/Closed).
	Send(buf []byte, onComplete CompletionFunc) bool
	Close() error
}

// Link is a transport listener/dialer producing Sessions.
type Link interface {
	Name() string
	// CompatibleWith reports whether this link's transport can reach
	// one of rc's advertised addresses.
	CompatibleWith(c rc.Contact) bool
	Start() error
	Stop() error
	// Pump drives the link's I/O readiness; called once per daemon
	// tick from LinkManager.Pump.
	Pump()
	// Sessions returns a snapshot of the link's current sessions.
	Sessions() []Session
	// PendingCount returns the number of sessions still in Pending
	// state, for num_pending_connections.
	PendingCount() int
	// DialAndSend opens (or reuses) a session to remoteID, reachable
	// via target, and hands buf to it.
	DialAndSend(target rc.Contact, buf []byte, onComplete CompletionFunc) bool
	// CloseSession closes any session this link holds to remoteID.
	CloseSession(remoteID rc.ID)
}

// SessionMaker is asked to establish a session to a router outside the
// lock held by LinkManager — e.g. because check_persisting_sessions
// found a persistence entry with no live session.
type SessionMaker interface {
	CreateSession(remote rc.ID) error
}
