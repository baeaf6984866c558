// Package rclookup implements the RC Lookup Handler: asynchronous
// discovery, validation, caching, and whitelisting of RouterContacts via
// the distributed hash table, with coalescing of concurrent requests per
// RouterID.
package rclookup

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/oxenmesh/meshnet/lib/loop"
	"github.com/oxenmesh/meshnet/lib/rc"
	"github.com/oxenmesh/meshnet/lib/util/time/skew"
)

// MaxRCExpirationSkew bounds how far an RC's expiration may sit in the
// past (beyond plain expiry, catching a badly stale signature) or in the
// future (catching a forged or clock-skewed router claiming an
// implausibly long-lived contact) relative to NTP-corrected now. It is
// double the 24h lifetime router.go assigns bootstrap RCs, leaving room
// for legitimate republication jitter.
const MaxRCExpirationSkew = 48 * time.Hour

var log = logger.GetGoI2PLogger()

// Status is the outcome delivered to a GetRC callback.
type Status int

const (
	Success Status = iota
	NotFound
	Timeout
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Callback receives the outcome of a GetRC call. c is the zero value
// unless status is Success.
type Callback func(c rc.Contact, status Status)

// MinAcceptableVersion/MaxAcceptableVersion bound the transport version
// band check_rc enforces; an RC advertising a version outside this band
// is rejected as Invariant regardless of signature validity.
const (
	MinAcceptableVersion uint32 = 1
	MaxAcceptableVersion uint32 = 3
)

// NodeDB is the local cache of validated RCs, backed by lib/rcstore in
// production and an in-memory fake in tests.
type NodeDB interface {
	GetRC(id rc.ID) (rc.Contact, bool, error)
	PutRC(c rc.Contact) error
}

// DHT is the abstract distributed-hash-table lookup surface this
// handler drives; the wire codec for the underlying messages is out of
// scope for this package (spec.md §1 Non-goals).
type DHT interface {
	// FindRC issues an asynchronous lookup for id; onResult is called
	// exactly once with every candidate RC the DHT returned (possibly
	// empty, never nil-panicking on empty).
	FindRC(id rc.ID, onResult func([]rc.Contact))
	// Explore issues a random-walk discovery lookup; onResult receives
	// whatever new RouterIDs were surfaced.
	Explore(onResult func([]rc.ID))
}

// pendingEntry coalesces every waiting callback for one RouterID behind
// a single in-flight DHT lookup.
type pendingEntry struct {
	callbacks []Callback
	startedAt time.Time
}

// Handler is the RC Lookup Handler. All mutable state is guarded by mu;
// callbacks are always invoked via loop.Call so downstream state
// machines stay single-threaded (spec §4.4 "Threading").
type Handler struct {
	loop *loop.Loop
	db   NodeDB
	dht  DHT

	isServiceNode bool
	useWhitelist  bool

	lookupTimeout   time.Duration
	refreshInterval time.Duration

	mu                    sync.Mutex
	strictConnect         map[rc.ID]struct{}
	bootstrapRCs          []rc.Contact
	whitelist             map[rc.ID]struct{}
	haveReceivedWhitelist bool
	pending               map[rc.ID]*pendingEntry
	lastLookupTime        map[rc.ID]time.Time
}

// Config configures a new Handler.
type Config struct {
	IsServiceNode   bool
	UseWhitelist    bool
	StrictConnect   []rc.ID
	BootstrapRCs    []rc.Contact
	LookupTimeout   time.Duration
	RefreshInterval time.Duration
}

// New creates a Handler. db and dht must be non-nil.
func New(l *loop.Loop, db NodeDB, dht DHT, cfg Config) *Handler {
	strict := make(map[rc.ID]struct{}, len(cfg.StrictConnect))
	for _, id := range cfg.StrictConnect {
		strict[id] = struct{}{}
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = 30 * time.Minute
	}
	return &Handler{
		loop:            l,
		db:              db,
		dht:             dht,
		isServiceNode:   cfg.IsServiceNode,
		useWhitelist:    cfg.UseWhitelist,
		lookupTimeout:   timeout,
		refreshInterval: refresh,
		strictConnect:   strict,
		bootstrapRCs:    append([]rc.Contact{}, cfg.BootstrapRCs...),
		whitelist:       make(map[rc.ID]struct{}),
		pending:         make(map[rc.ID]*pendingEntry),
		lastLookupTime:  make(map[rc.ID]time.Time),
	}
}

// GetRC resolves router to a validated RC. If force is false and a
// fresh (unexpired, check_rc-passing) RC is cached, cb fires
// immediately with Success on the event loop. Otherwise cb is
// coalesced behind at most one concurrent DHT lookup for router (spec
// §8 invariant: num_pending_lookups(r) ≤ 1 at any instant).
func (h *Handler) GetRC(router rc.ID, cb Callback, force bool) {
	if !force {
		if cached, ok, err := h.db.GetRC(router); err == nil && ok {
			if !cached.IsExpired(skew.Now()) && h.checkRCLocked(cached) {
				h.loop.Call(func() { cb(cached, Success) })
				return
			}
		}
	}

	h.mu.Lock()
	entry, exists := h.pending[router]
	if !exists {
		entry = &pendingEntry{startedAt: time.Now()}
		h.pending[router] = entry
	}
	entry.callbacks = append(entry.callbacks, cb)
	h.lastLookupTime[router] = time.Now()
	h.mu.Unlock()

	if exists {
		return // coalesced onto the already-dispatched lookup
	}

	h.dht.FindRC(router, func(rcs []rc.Contact) {
		h.HandleDHTResult(router, rcs)
	})

	if h.lookupTimeout > 0 {
		time.AfterFunc(h.lookupTimeout, func() {
			h.timeoutIfStillPending(router, entry)
		})
	}
}

func (h *Handler) timeoutIfStillPending(router rc.ID, entry *pendingEntry) {
	h.mu.Lock()
	cur, ok := h.pending[router]
	if !ok || cur != entry {
		h.mu.Unlock()
		return // already resolved by handle_dht_result
	}
	delete(h.pending, router)
	callbacks := entry.callbacks
	h.mu.Unlock()

	h.loop.Call(func() {
		for _, cb := range callbacks {
			cb(rc.Contact{}, Timeout)
		}
	})
}

// HandleDHTResult is invoked once the DHT lookup for router completes.
// It picks the newest verifiable candidate, stores it, and drains every
// coalesced callback in registration order.
func (h *Handler) HandleDHTResult(router rc.ID, rcs []rc.Contact) {
	var best *rc.Contact
	for i := range rcs {
		c := rcs[i]
		if c.RouterID != router {
			continue
		}
		if !h.checkRCLocked(c) {
			continue
		}
		if best == nil || c.Expiration > best.Expiration {
			best = &c
		}
	}

	if best != nil {
		if err := h.db.PutRC(*best); err != nil {
			log.WithError(err).WithField("router", router.String()).Warn("failed to cache validated RC")
		}
		h.finalize(router, *best, Success)
		return
	}
	h.finalize(router, rc.Contact{}, NotFound)
}

func (h *Handler) finalize(router rc.ID, c rc.Contact, status Status) {
	h.mu.Lock()
	entry, ok := h.pending[router]
	if !ok {
		h.mu.Unlock()
		return // already timed out
	}
	delete(h.pending, router)
	h.mu.Unlock()

	h.loop.Call(func() {
		for _, cb := range entry.callbacks {
			cb(c, status)
		}
	})
}

// CheckRC validates a candidate RC per spec §4.4: signature valid, not
// expired, whitelist membership when enforced, and transport version
// within the acceptable band.
func (h *Handler) CheckRC(c rc.Contact) bool {
	return h.checkRCLocked(c)
}

func (h *Handler) checkRCLocked(c rc.Contact) bool {
	if !c.VerifySignature() {
		log.WithField("router", c.RouterID.String()).Debug("rejecting RC with invalid signature")
		return false
	}
	now := skew.Now()
	if c.IsExpired(now) {
		return false
	}
	if err := skew.ValidateTimestampWithSkew(c.ExpiresAt(), MaxRCExpirationSkew); err != nil {
		log.WithError(err).WithField("router", c.RouterID.String()).Debug("rejecting RC with implausible expiration")
		return false
	}
	if c.TransportVersion < MinAcceptableVersion || c.TransportVersion > MaxAcceptableVersion {
		log.WithFields(logger.Fields{
			"at":      "(Handler) checkRCLocked",
			"router":  c.RouterID.String(),
			"version": c.TransportVersion,
		}).Debug("rejecting RC with unacceptable transport version")
		return false
	}

	h.mu.Lock()
	useWhitelist := h.useWhitelist
	isServiceNode := h.isServiceNode
	haveWhitelist := h.haveReceivedWhitelist
	_, whitelisted := h.whitelist[c.RouterID]
	h.mu.Unlock()

	if isServiceNode && useWhitelist && haveWhitelist && !whitelisted {
		return false
	}
	return true
}

// CheckRenegotiateValid reports whether newC may replace old as the
// cached RC for the same peer: same RouterID, not expired, and a valid
// signature. It does not re-check whitelist membership — renegotiation
// is about key continuity, not policy.
func (h *Handler) CheckRenegotiateValid(newC, old rc.Contact) bool {
	if newC.RouterID != old.RouterID {
		return false
	}
	if newC.IsExpired(skew.Now()) {
		return false
	}
	return newC.VerifySignature()
}

// RemoteIsAllowed implements spec §4.4 remote_is_allowed: service-nodes
// only accept whitelisted peers; non-service-nodes additionally accept
// StrictConnect and bootstrap entries, and treat an empty whitelist as
// permissive.
func (h *Handler) RemoteIsAllowed(r rc.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, whitelisted := h.whitelist[r]
	if h.isServiceNode {
		return whitelisted
	}
	if _, ok := h.strictConnect[r]; ok {
		return true
	}
	for _, b := range h.bootstrapRCs {
		if b.RouterID == r {
			return true
		}
	}
	if len(h.whitelist) == 0 {
		return true
	}
	return whitelisted
}

// GetRandomWhitelistRouter picks a uniformly random RouterID from the
// current whitelist. Returns false without modifying out if empty.
func (h *Handler) GetRandomWhitelistRouter(out *rc.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.whitelist) == 0 {
		return false
	}
	ids := make([]rc.ID, 0, len(h.whitelist))
	for id := range h.whitelist {
		ids = append(ids, id)
	}
	*out = ids[randIntn(len(ids))]
	return true
}

// SetRouterWhitelist atomically replaces the whitelist and latches
// haveReceivedWhitelist, per spec §4.4.
func (h *Handler) SetRouterWhitelist(list []rc.ID) {
	next := make(map[rc.ID]struct{}, len(list))
	for _, id := range list {
		next[id] = struct{}{}
	}
	h.mu.Lock()
	h.whitelist = next
	h.haveReceivedWhitelist = true
	h.mu.Unlock()
	log.WithField("count", len(list)).Debug("replaced router whitelist")
}

// PeriodicUpdate re-verifies cached RCs whose last lookup predates
// refreshInterval and logs a warning for any that fail CheckRC. Nothing
// is removed from the NodeDB; a failing entry keeps its old lookup time
// and is checked again on every later call, and GetRC re-runs CheckRC
// before serving any cached RC.
func (h *Handler) PeriodicUpdate(now time.Time) {
	h.mu.Lock()
	stale := make([]rc.ID, 0)
	for id, last := range h.lastLookupTime {
		if now.Sub(last) >= h.refreshInterval {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		cached, ok, err := h.db.GetRC(id)
		if err != nil || !ok {
			continue
		}
		if !h.checkRCLocked(cached) {
			log.WithField("router", id.String()).Warn("periodic_update found cached RC that no longer validates")
			continue
		}
		h.mu.Lock()
		h.lastLookupTime[id] = now
		h.mu.Unlock()
	}
}

// ExploreNetwork issues a DHT random-walk lookup to discover peers
// outside any set we've already resolved, per spec §4.4.
func (h *Handler) ExploreNetwork() {
	h.dht.Explore(func(ids []rc.ID) {
		for _, id := range ids {
			h.GetRC(id, func(rc.Contact, Status) {}, false)
		}
	})
}

// NumStrictConnectRouters reports the configured strict-connect set size.
func (h *Handler) NumStrictConnectRouters() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.strictConnect)
}

// randIntn is a small indirection so tests can make whitelist-router
// selection deterministic without pulling in math/rand state globally.
var randIntn = defaultRandIntn
