package link

import (
	"math/rand"
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/oxenmesh/meshnet/lib/rc"
)

var log = logger.GetGoI2PLogger()

// lifecycle is the Manager's own running/stopping state, distinct from
// any individual Session's State.
type lifecycle int

const (
	running lifecycle = iota
	stopping
)

// PeerDelta is what update_peer_db accumulates into a PeerDB entry for
// one RouterID, computed as the difference between a session's current
// Stats snapshot and the last one observed for that peer.
type PeerDelta struct {
	PeakBW           float64
	PacketsDropped   uint64
	PacketsSent      uint64
	PacketsAttempted uint64
}

// PeerDB receives per-peer bandwidth/reliability rollups from
// update_peer_db. Both NumPacketsSent and NumPacketsDropped are
// accumulators (see SPEC_FULL.md §9 on the source's inconsistent
// update_peer_db semantics — this resolves it toward the safer,
// monotonic interpretation for both fields).
type PeerDB interface {
	Accumulate(id rc.ID, delta PeerDelta)
}

// Manager owns two disjoint sets of Links — inbound and outbound — and
// multiplexes peer-facing sends across whichever link holds a live
// session to the target router.
type Manager struct {
	mu    sync.Mutex
	state lifecycle

	inbound  []Link
	outbound []Link

	persisting map[rc.ID]time.Time
	lastStats  map[rc.ID]Stats

	sessionMaker SessionMaker
}

// New creates an empty Manager. sessionMaker may be nil; if so,
// check_persisting_sessions logs a warning instead of dispatching.
func New(sessionMaker SessionMaker) *Manager {
	return &Manager{
		persisting:   make(map[rc.ID]time.Time),
		lastStats:    make(map[rc.ID]Stats),
		sessionMaker: sessionMaker,
	}
}

// AddLink registers l as inbound or outbound. Must be called before
// Start; link sets are only mutated before Running or during Stop.
func (m *Manager) AddLink(l Link, inbound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inbound {
		m.inbound = append(m.inbound, l)
	} else {
		m.outbound = append(m.outbound, l)
	}
	log.WithFields(logger.Fields{
		"at":       "(Manager) AddLink",
		"name":     l.Name(),
		"inbound":  inbound,
		"in_count": len(m.inbound),
		"out_count": len(m.outbound),
	}).Debug("registered link")
}

// Start starts every registered link, aborting and reporting failure
// on the first one that fails. The daemon treats a non-nil return as
// fatal.
func (m *Manager) Start() error {
	m.mu.Lock()
	links := append(append([]Link{}, m.inbound...), m.outbound...)
	m.mu.Unlock()

	for _, l := range links {
		if err := l.Start(); err != nil {
			log.WithError(err).WithField("name", l.Name()).Error("link failed to start; aborting startup")
			return err
		}
	}
	return nil
}

// Stop is idempotent. It marks the manager Stopping before closing any
// session, so a concurrent Send observes Stopping and reports
// DeliveryDropped rather than racing a half-closed link.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == stopping {
		m.mu.Unlock()
		return
	}
	m.state = stopping
	links := append(append([]Link{}, m.inbound...), m.outbound...)
	m.mu.Unlock()

	for _, l := range links {
		if err := l.Stop(); err != nil {
			log.WithError(err).WithField("name", l.Name()).Warn("error stopping link")
		}
	}
}

func (m *Manager) isStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stopping
}

// GetCompatibleLink returns the first outbound link whose transport is
// compatible with c's advertised addresses, or nil.
func (m *Manager) GetCompatibleLink(c rc.Contact) Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.outbound {
		if l.CompatibleWith(c) {
			return l
		}
	}
	return nil
}

// GetLinkWithSessionTo scans outbound then inbound links and returns
// the first one reporting an Established session to remote. Outbound
// is preferred on a tie because our keepalive authority is over
// outbound sessions.
func (m *Manager) GetLinkWithSessionTo(remote rc.ID) (Link, Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, s := findEstablished(m.outbound, remote); l != nil {
		return l, s
	}
	return findEstablished(m.inbound, remote)
}

func findEstablished(links []Link, remote rc.ID) (Link, Session) {
	for _, l := range links {
		for _, s := range l.Sessions() {
			if s.RemoteID() == remote && s.State() == Established {
				return l, s
			}
		}
	}
	return nil, nil
}

// HasSessionTo is a convenience wrapper over GetLinkWithSessionTo.
func (m *Manager) HasSessionTo(remote rc.ID) bool {
	l, _ := m.GetLinkWithSessionTo(remote)
	return l != nil
}

// SessionIsClient answers the tri-state "is remote a client" question:
// an inbound session tells us directly via IsRelay (Yes when it is not a
// relay); an outbound session implies relay (we only dial relays), so
// No; otherwise Unknown.
func (m *Manager) SessionIsClient(remote rc.ID) Tristate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, s := findEstablished(m.outbound, remote); s != nil {
		return No // we dialed it, so it is a relay, not a client
	}
	if _, s := findEstablished(m.inbound, remote); s != nil {
		if s.IsRelay() {
			return No
		}
		return Yes
	}
	return Unknown
}

// SendTo locates a session to remote and delegates buf to it. If no
// session exists — or the manager is Stopping — onComplete fires with
// DeliveryDropped exactly once and SendTo returns false.
func (m *Manager) SendTo(remote rc.ID, buf []byte, onComplete CompletionFunc) bool {
	if m.isStopping() {
		onComplete(DeliveryDropped)
		return false
	}
	_, s := m.GetLinkWithSessionTo(remote)
	if s == nil {
		onComplete(DeliveryDropped)
		return false
	}
	return s.Send(buf, onComplete)
}

// Pump invokes Pump on every link, driving their I/O readiness.
func (m *Manager) Pump() {
	m.mu.Lock()
	links := append(append([]Link{}, m.inbound...), m.outbound...)
	m.mu.Unlock()
	for _, l := range links {
		l.Pump()
	}
}

// DeregisterPeer purges any persisting entry and closes every session
// to remote across both link sets. Idempotent.
func (m *Manager) DeregisterPeer(remote rc.ID) {
	m.mu.Lock()
	delete(m.persisting, remote)
	links := append(append([]Link{}, m.inbound...), m.outbound...)
	m.mu.Unlock()
	for _, l := range links {
		l.CloseSession(remote)
	}
}

// PersistSessionUntil upserts a commitment to keep a session to remote
// alive at least until deadline, taking the max with any existing
// commitment.
func (m *Manager) PersistSessionUntil(remote rc.ID, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.persisting[remote]; ok && existing.After(deadline) {
		return
	}
	m.persisting[remote] = deadline
}

// CheckPersistingSessions walks every {router, deadline} commitment: if
// still alive and a session exists, it is kept (caller should send a
// keepalive); if still alive with no session, the router is queued for
// session creation; if past its deadline, the entry is evicted and any
// live session is closed. Session creation requests are dispatched
// after the lock is released.
func (m *Manager) CheckPersistingSessions(now time.Time) (keepalive []rc.ID) {
	m.mu.Lock()
	var needSession, evicted []rc.ID
	for r, deadline := range m.persisting {
		if deadline.After(now) {
			if l, _ := m.findEstablishedLocked(r); l != nil {
				keepalive = append(keepalive, r)
			} else {
				needSession = append(needSession, r)
			}
			continue
		}
		delete(m.persisting, r)
		evicted = append(evicted, r)
	}
	m.mu.Unlock()

	for _, r := range evicted {
		m.DeregisterPeer(r)
	}
	if m.sessionMaker != nil {
		for _, r := range needSession {
			if err := m.sessionMaker.CreateSession(r); err != nil {
				log.WithError(err).WithField("router", r.String()).Debug("session-maker failed to create persisted session")
			}
		}
	} else if len(needSession) > 0 {
		log.WithField("count", len(needSession)).Warn("persisting sessions needed but no session-maker configured")
	}
	return keepalive
}

func (m *Manager) findEstablishedLocked(remote rc.ID) (Link, Session) {
	if l, s := findEstablished(m.outbound, remote); l != nil {
		return l, s
	}
	return findEstablished(m.inbound, remote)
}

// PeerVisitor receives a session and whether it was reached via an
// outbound link.
type PeerVisitor func(s Session, outbound bool)

// ForEachPeer iterates every session across both link sets, calling
// visitor with outbound=false for inbound sessions and outbound=true
// for outbound ones. If randomize is true, the order of sessions is
// shuffled within each link, but NOT across links — a caller depending
// on cross-link uniformity must shuffle the aggregated slice itself.
func (m *Manager) ForEachPeer(visitor PeerVisitor, randomize bool) {
	m.mu.Lock()
	inbound := append([]Link{}, m.inbound...)
	outbound := append([]Link{}, m.outbound...)
	m.mu.Unlock()

	visitSet := func(links []Link, outboundFlag bool) {
		for _, l := range links {
			sessions := l.Sessions()
			if randomize {
				rand.Shuffle(len(sessions), func(i, j int) {
					sessions[i], sessions[j] = sessions[j], sessions[i]
				})
			}
			for _, s := range sessions {
				visitor(s, outboundFlag)
			}
		}
	}
	visitSet(inbound, false)
	visitSet(outbound, true)
}

// NumConnectedRouters counts unique RouterIDs of Established peers
// whose RC declares IsPublicRouter.
func (m *Manager) NumConnectedRouters() int {
	return m.countEstablished(true)
}

// NumConnectedClients counts unique RouterIDs of Established peers
// whose RC does not declare IsPublicRouter.
func (m *Manager) NumConnectedClients() int {
	return m.countEstablished(false)
}

func (m *Manager) countEstablished(wantPublicRouter bool) int {
	seen := make(map[rc.ID]bool)
	m.ForEachPeer(func(s Session, _ bool) {
		if s.State() != Established {
			return
		}
		if s.RemoteRC().IsPublicRouter != wantPublicRouter {
			return
		}
		seen[s.RemoteID()] = true
	}, false)
	return len(seen)
}

// NumPendingConnections sums PendingCount across every link.
func (m *Manager) NumPendingConnections() int {
	m.mu.Lock()
	links := append(append([]Link{}, m.inbound...), m.outbound...)
	m.mu.Unlock()
	total := 0
	for _, l := range links {
		total += l.PendingCount()
	}
	return total
}

// GetRandomConnectedRouter picks a uniformly random RouterID among
// unique Established peers. It returns false without modifying out if
// there are no connected peers.
func (m *Manager) GetRandomConnectedRouter(out *rc.ID) bool {
	seen := make(map[rc.ID]bool)
	var ids []rc.ID
	m.ForEachPeer(func(s Session, _ bool) {
		if s.State() != Established {
			return
		}
		if !seen[s.RemoteID()] {
			seen[s.RemoteID()] = true
			ids = append(ids, s.RemoteID())
		}
	}, false)
	if len(ids) == 0 {
		return false
	}
	*out = ids[rand.Intn(len(ids))]
	return true
}

// UpdatePeerDB diffs every session's current Stats against the last
// observed snapshot for that RouterID and accumulates the delta into
// db. Rates are reported as the max of current and last (a rate can
// dip transiently without the peer's true capacity having dropped);
// totals are reported as new-minus-old.
func (m *Manager) UpdatePeerDB(db PeerDB) {
	m.ForEachPeer(func(s Session, _ bool) {
		id := s.RemoteID()
		cur := s.Stats()

		m.mu.Lock()
		last, ok := m.lastStats[id]
		m.lastStats[id] = cur
		m.mu.Unlock()

		if !ok {
			last = Stats{}
		}
		peak := cur.TxRateBps
		if last.TxRateBps > peak {
			peak = last.TxRateBps
		}
		if cur.RxRateBps > peak {
			peak = cur.RxRateBps
		}
		if last.RxRateBps > peak {
			peak = last.RxRateBps
		}
		db.Accumulate(id, PeerDelta{
			PeakBW:           peak,
			PacketsDropped:   satSub(cur.Dropped, last.Dropped),
			PacketsSent:      satSub(cur.Acked, last.Acked),
			PacketsAttempted: satSub(cur.InFlight+cur.Acked, last.InFlight+last.Acked),
		})
	}, false)
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
