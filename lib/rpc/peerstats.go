package rpc

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/oops"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/link"
	"github.com/oxenmesh/meshnet/lib/rc"
)

// PeerStats is one router's bandwidth/reliability rollup, as reported
// by get_peer_stats. Its fields mirror link.PeerDelta's accumulator
// semantics (spec §9's resolved update_peer_db Open Question).
type PeerStats struct {
	RouterID         rc.ID   `cbor:"1,keyasint"`
	PeakBW           float64 `cbor:"2,keyasint"`
	PacketsDropped   uint64  `cbor:"3,keyasint"`
	PacketsSent      uint64  `cbor:"4,keyasint"`
	PacketsAttempted uint64  `cbor:"5,keyasint"`
}

// peerStatsEncMode is the same canonical CBOR mode lib/rc and
// lib/introset use, so the binary-encoded list get_peer_stats replies
// with round-trips deterministically.
var peerStatsEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	peerStatsEncMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// EncodePeerStats serializes a list of PeerStats to the binary form
// get_peer_stats's reply carries, per spec §6.
func EncodePeerStats(list []PeerStats) ([]byte, error) {
	b, err := peerStatsEncMode.Marshal(list)
	if err != nil {
		return nil, errkind.New(errkind.Invariant, oops.Wrapf(err, "encode PeerStats list"))
	}
	return b, nil
}

// DecodePeerStats parses a binary-encoded PeerStats list.
func DecodePeerStats(b []byte) ([]PeerStats, error) {
	var list []PeerStats
	if err := cbor.Unmarshal(b, &list); err != nil {
		return nil, errkind.New(errkind.Invariant, oops.Wrapf(err, "decode PeerStats list"))
	}
	return list, nil
}

// PeerStatsProvider answers a get_peer_stats request for a specific
// set of RouterIDs. PeerStatsStore satisfies it.
type PeerStatsProvider interface {
	ListPeerStats(ids []rc.ID) []PeerStats
}

// PeerStatsStore is the in-memory peer-stats accumulator the node
// daemon's get_peer_stats request reads from. It implements
// link.PeerDB so lib/link.Manager.UpdatePeerDB can feed it directly.
type PeerStatsStore struct {
	mu    sync.Mutex
	stats map[rc.ID]PeerStats
}

// NewPeerStatsStore creates an empty store.
func NewPeerStatsStore() *PeerStatsStore {
	return &PeerStatsStore{stats: make(map[rc.ID]PeerStats)}
}

// Accumulate implements link.PeerDB: every packet counter accumulates, and
// PeakBW tracks the maximum bandwidth ever observed for the peer.
func (s *PeerStatsStore) Accumulate(id rc.ID, delta link.PeerDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.stats[id]
	cur.RouterID = id
	if delta.PeakBW > cur.PeakBW {
		cur.PeakBW = delta.PeakBW
	}
	cur.PacketsDropped += delta.PacketsDropped
	cur.PacketsSent += delta.PacketsSent
	cur.PacketsAttempted += delta.PacketsAttempted
	s.stats[id] = cur
}

// ListPeerStats returns the accumulated stats for exactly the
// requested ids, in the same order; a RouterID with no recorded
// activity is returned as its zero value rather than omitted, so
// callers always get a reply the same length as their request.
func (s *PeerStatsStore) ListPeerStats(ids []rc.ID) []PeerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerStats, len(ids))
	for i, id := range ids {
		if st, ok := s.stats[id]; ok {
			out[i] = st
		} else {
			out[i] = PeerStats{RouterID: id}
		}
	}
	return out
}
