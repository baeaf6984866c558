package service

import (
	"time"

	"github.com/oxenmesh/meshnet/lib/introset"
)

// ConvoTag is the 16-byte opaque session identifier used to demultiplex
// inbound protocol messages: unique per (local endpoint, remote peer)
// pairing.
type ConvoTag [16]byte

// Session is the running state of one conversation with a remote
// hidden service or exit. It is created either by a local
// OutboundContext reaching Ready, or by an inbound handshake.
type Session struct {
	Peer             introset.Address
	SharedSecret     []byte
	LastRemoteIntro  introset.Introduction
	LastReplyIntro   introset.Introduction
	Seqno            uint64
	LastActivity     time.Time
	Inbound          bool
}

// Touch stamps LastActivity, used by GetBestConvoTagForService to pick
// the most-recently-active tag for a given peer.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

// NextSeqno increments and returns the session's outbound sequence
// counter.
func (s *Session) NextSeqno() uint64 {
	s.Seqno++
	return s.Seqno
}
