// Package service implements the Service Endpoint: the per-hidden-
// service local client that owns identity, publishes and looks up
// IntroSets, manages outbound client sessions to other services, and
// dispatches inbound protocol frames to conversations.
//
// TUN Handler (lib/tun) specializes Endpoint by supplying the capability
// set described in SPEC_FULL.md's design notes §9 "Virtual
// hierarchies": an InboundHandler, not a parallel class hierarchy.
package service

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/introset"
	"github.com/oxenmesh/meshnet/lib/loop"
	"github.com/oxenmesh/meshnet/lib/outbound"
	"github.com/oxenmesh/meshnet/lib/rc"
)

var log = logger.GetGoI2PLogger()

// MaxOutboundContextCount is the hard per-address cap on concurrent
// OutboundContexts, spec §4.5/§6/§8.
const MaxOutboundContextCount = 4

// IntroSetPublishRetryInterval is how long to wait before retrying a
// failed publish, spec §4.5/§6.
const IntroSetPublishRetryInterval = 5 * time.Second

// IntroSetLookupCooldown bounds how often ensure_path_to_service may
// issue a fresh lookup for the same address, spec §4.5/§6.
const IntroSetLookupCooldown = 3 * time.Second

// DefaultMinUsablePaths is the K in "at least K usable paths ready"
// should_publish gates on.
const DefaultMinUsablePaths = 2

// DefaultReplicationFactor is the R in "publish via up to R replication
// paths".
const DefaultReplicationFactor = 2

// Path is one established or in-progress circuit, as produced by the
// externally-consumed path-building service (spec §1: "the path-building
// algorithm is consumed as a service but the routing state it feeds is
// specified here").
type Path interface {
	// Introduction returns the entry point this path presents to
	// remote lookups, if it currently offers one.
	Introduction() (introset.Introduction, bool)
	// Ready reports whether the path is built and usable for sending.
	Ready() bool
}

// PathBuilder is the abstract path-construction surface Endpoint
// consumes. The build algorithm itself lives outside this package.
type PathBuilder interface {
	// EstablishedPaths returns the Endpoint's currently ready paths,
	// used both as introduction points for our own IntroSet and as
	// carriers for outbound traffic/lookups.
	EstablishedPaths() []Path
	// BuildPathTo asynchronously builds a new path whose other end can
	// reach intro; cb fires exactly once with the outcome.
	BuildPathTo(intro introset.Introduction, cb func(ok bool))
	// PathForReplication returns one of the Endpoint's established
	// paths to use for a DHT operation distinguished by relayOrder in
	// [0,R), or false if none is available yet.
	PathForReplication(relayOrder int) (Path, bool)
}

// DHT is the abstract distributed-hash-table surface used for IntroSet
// publication and lookup. The wire codec is out of scope (spec.md §1).
type DHT interface {
	// PublishIntroSetVia publishes e over path; cb fires once.
	PublishIntroSetVia(path Path, e introset.Encrypted, cb func(ok bool))
	// FindIntro issues a FindIntro DHT query for addr via a path chosen
	// for relayOrder; onResult receives every candidate encrypted
	// IntroSet returned (possibly empty).
	FindIntro(addr introset.Address, relayOrder int, onResult func([]introset.Encrypted))
}

// InboundHandler is the capability a concrete Endpoint variant (TUN,
// exit, null) supplies for decrypted inbound application data, per
// design notes §9 ("a single Endpoint state plus a capability set").
type InboundHandler interface {
	HandleInboundPacket(tag ConvoTag, buf []byte, msgType uint8, seqno uint64) error
}

// AuthPolicy, when set, gates inbound protocol messages through an
// application-level authentication check before a Session is created.
type AuthPolicy interface {
	ProcessAuthMessage(tag ConvoTag, msg []byte, cb func(ok bool, reply []byte))
}

// LNSResolver resolves Loki Name Service names to hidden-service
// addresses via the blockchain RPC bridge (lib/rpc).
type LNSResolver interface {
	ResolveLNS(name string, cb func(addr introset.Address, ok bool))
}

// RCSource resolves RouterIDs to RouterContacts for path-building and
// anonymity lookups (lib/router adapts lib/rclookup.Handler to this).
type RCSource interface {
	GetRC(id rc.ID, cb func(rc.Contact, bool), force bool)
}

const lnsCacheTTL = 24 * time.Hour

type lnsCacheEntry struct {
	addr   introset.Address
	expiry time.Time
}

// pendingLookup tracks one in-flight remote-IntroSet lookup, enforcing
// the 3s-per-address cooldown and coalescing hooks the way RC Lookup
// coalesces GetRC callbacks.
type pendingLookup struct {
	startedAt time.Time
	hooks     []func(ok bool)
}

// pendingRouterJob tracks one in-flight router-contact anonymity
// lookup issued on this service's behalf (so the requester's own
// identity isn't exposed to the direct DHT query).
type pendingRouterJob struct {
	hooks []func(rc.Contact, bool)
}

type queuedPacket struct {
	buf     []byte
	msgType uint8
	queued  time.Time
}

const maxPendingTrafficPerAddress = 64

// Config configures a new Endpoint.
type Config struct {
	Identity        *Identity
	PathBuilder      PathBuilder
	DHT              DHT
	Sealer           introset.Sealer
	Opener           introset.Opener
	RCSource         RCSource
	LNS              LNSResolver
	Auth             AuthPolicy
	Handler          InboundHandler
	Loop             *loop.Loop
	PublishInterval  time.Duration
	MinUsablePaths   int
	ReplicationFactor int
	ContextIdleTimeout time.Duration
}

// Endpoint is the Service Endpoint: per-hidden-service identity, path
// set, IntroSet publishing, remote-service discovery, conversation
// routing, and inbound/outbound packet plumbing.
type Endpoint struct {
	identity *Identity
	paths    PathBuilder
	dht      DHT
	sealer   introset.Sealer
	opener   introset.Opener
	rcSource RCSource
	lns      LNSResolver
	auth     AuthPolicy
	handler  InboundHandler
	loop     *loop.Loop

	publishInterval    time.Duration
	minUsablePaths     int
	replicationFactor  int
	contextIdleTimeout time.Duration

	mu sync.Mutex

	ourIntroSet       introset.Set
	lastPublishTime   time.Time
	lastPublishAttempt time.Time
	publishVersion    uint64
	publishInFlight   bool

	outboundSessions map[introset.Address][]*outbound.Context
	pendingLookups   map[introset.Address]*pendingLookup
	pendingRouters   map[rc.ID]*pendingRouterJob
	sessions         map[ConvoTag]*Session
	lnsCache         map[string]lnsCacheEntry
	snodeBlacklist   map[rc.ID]struct{}
	pendingTraffic   map[introset.Address][]queuedPacket

	stopped bool
}

// New creates an Endpoint. Identity, PathBuilder, DHT, Sealer, Opener,
// and Loop must be non-nil; the rest are optional.
func New(cfg Config) *Endpoint {
	publishInterval := cfg.PublishInterval
	if publishInterval <= 0 {
		publishInterval = time.Minute
	}
	k := cfg.MinUsablePaths
	if k <= 0 {
		k = DefaultMinUsablePaths
	}
	r := cfg.ReplicationFactor
	if r <= 0 {
		r = DefaultReplicationFactor
	}
	idle := cfg.ContextIdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Endpoint{
		identity:           cfg.Identity,
		paths:              cfg.PathBuilder,
		dht:                cfg.DHT,
		sealer:             cfg.Sealer,
		opener:             cfg.Opener,
		rcSource:           cfg.RCSource,
		lns:                cfg.LNS,
		auth:               cfg.Auth,
		handler:            cfg.Handler,
		loop:               cfg.Loop,
		publishInterval:    publishInterval,
		minUsablePaths:     k,
		replicationFactor:  r,
		contextIdleTimeout: idle,
		outboundSessions:   make(map[introset.Address][]*outbound.Context),
		pendingLookups:     make(map[introset.Address]*pendingLookup),
		pendingRouters:     make(map[rc.ID]*pendingRouterJob),
		sessions:           make(map[ConvoTag]*Session),
		lnsCache:           make(map[string]lnsCacheEntry),
		snodeBlacklist:     make(map[rc.ID]struct{}),
		pendingTraffic:     make(map[introset.Address][]queuedPacket),
	}
}

// Address returns this endpoint's own hidden-service address.
func (e *Endpoint) Address() introset.Address {
	return e.identity.Address()
}

// BlacklistSnode adds id to the set of service nodes excluded from path
// building for this endpoint.
func (e *Endpoint) BlacklistSnode(id rc.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snodeBlacklist[id] = struct{}{}
}

// IsSnodeBlacklisted reports whether id is excluded from this
// endpoint's paths.
func (e *Endpoint) IsSnodeBlacklisted(id rc.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.snodeBlacklist[id]
	return ok
}

// Tick runs one round of maintenance: republish our IntroSet if due,
// advance every OutboundContext's build pacing and idle eviction, and
// flush queued outbound traffic that now has a ready context. Intended
// to be called once per daemon tick (spec §2: "periodic ticks, every
// ~100ms").
func (e *Endpoint) Tick(now time.Time) {
	if e.shouldPublish(now) {
		e.publishIntroSet(now)
	}
	e.tickOutboundContexts(now)

	e.mu.Lock()
	addrs := make([]introset.Address, 0, len(e.pendingTraffic))
	for addr := range e.pendingTraffic {
		addrs = append(addrs, addr)
	}
	e.mu.Unlock()
	for _, addr := range addrs {
		e.flushPendingTraffic(addr)
	}
}

// shouldPublish reports whether enough time has elapsed since the last
// successful (or, after a failure, retried) publish, and at least
// MinUsablePaths paths are ready to serve as introduction points.
func (e *Endpoint) shouldPublish(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishInFlight {
		return false
	}
	last := e.lastPublishTime
	if !e.lastPublishAttempt.IsZero() && e.lastPublishAttempt.After(last) {
		last = e.lastPublishAttempt
		if now.Sub(last) < IntroSetPublishRetryInterval {
			return false
		}
	} else if now.Sub(last) < e.publishInterval {
		return false
	}
	return len(e.paths.EstablishedPaths()) >= e.minUsablePaths
}

// publishIntroSet builds a fresh IntroSet from the currently
// established paths, signs and encrypts it to our own address, and
// publishes it via up to ReplicationFactor distinct paths (spec §4.5
// "IntroSet republishing").
func (e *Endpoint) publishIntroSet(now time.Time) {
	paths := e.paths.EstablishedPaths()
	intros := make([]introset.Introduction, 0, len(paths))
	for _, p := range paths {
		if intro, ok := p.Introduction(); ok {
			intros = append(intros, intro)
		}
	}
	if len(intros) < e.minUsablePaths {
		return
	}

	e.mu.Lock()
	e.publishVersion++
	version := e.publishVersion
	e.publishInFlight = true
	e.lastPublishAttempt = now
	e.mu.Unlock()

	next := introset.Set{
		Owner:         e.identity.Address(),
		Introductions: intros,
		Version:       version,
		Expiration:    now.Add(e.publishInterval * 4).Unix(),
	}
	if err := next.Sign(e.identity.Priv); err != nil {
		log.WithError(err).Error("failed to sign IntroSet")
		e.mu.Lock()
		e.publishInFlight = false
		e.mu.Unlock()
		return
	}

	sealed, err := e.sealer.Seal(e.identity.Address(), next)
	if err != nil {
		log.WithError(err).Error("failed to seal IntroSet")
		e.mu.Lock()
		e.publishInFlight = false
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.ourIntroSet = next
	e.mu.Unlock()

	replicas := e.replicationFactor
	var wg sync.WaitGroup
	var okCount int
	var mu sync.Mutex
	for order := 0; order < replicas; order++ {
		path, ok := e.paths.PathForReplication(order)
		if !ok {
			continue
		}
		wg.Add(1)
		order := order
		e.dht.PublishIntroSetVia(path, sealed, func(success bool) {
			mu.Lock()
			if success {
				okCount++
			}
			mu.Unlock()
			wg.Done()
			if !success {
				log.WithField("relay_order", order).Debug("IntroSet replica publish failed")
			}
		})
	}

	// PublishIntroSetVia's callbacks arrive asynchronously (spec §5: DHT
	// publish is a non-blocking enqueue plus a future callback), so
	// okCount isn't final until every replica has reported in. Waiting
	// on wg here, on the loop goroutine, would deadlock if those
	// callbacks themselves complete via e.loop.Call; wait on a separate
	// goroutine instead and post the finalization once wg.Wait returns.
	go func() {
		wg.Wait()
		e.loop.Call(func() {
			e.mu.Lock()
			e.publishInFlight = false
			if okCount > 0 {
				e.lastPublishTime = now
			}
			e.mu.Unlock()
		})
	}()
}

// OurIntroSet returns the last successfully built IntroSet (not
// necessarily yet confirmed published).
func (e *Endpoint) OurIntroSet() introset.Set {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ourIntroSet
}

// EnsurePathToService arranges for a usable OutboundContext to addr to
// exist, calling hook(ok) once that either succeeds or the lookup is
// abandoned. Returns false immediately, without registering hook, if a
// lookup for addr is already within its cooldown window.
func (e *Endpoint) EnsurePathToService(now time.Time, addr introset.Address, hook func(ok bool)) bool {
	if ctx := e.readyContextFor(addr); ctx != nil {
		hook(true)
		return true
	}

	e.mu.Lock()
	entry, exists := e.pendingLookups[addr]
	if exists && now.Sub(entry.startedAt) < IntroSetLookupCooldown {
		e.mu.Unlock()
		return false
	}
	if !exists {
		entry = &pendingLookup{startedAt: now}
		e.pendingLookups[addr] = entry
	}
	entry.hooks = append(entry.hooks, hook)
	e.mu.Unlock()

	if exists {
		return true // coalesced onto the in-flight lookup
	}

	relayOrder := 0
	if _, ok := e.paths.PathForReplication(relayOrder); !ok {
		e.finalizeLookup(addr, false)
		return true
	}
	e.dht.FindIntro(addr, relayOrder, func(candidates []introset.Encrypted) {
		e.handleFindIntroResult(addr, candidates)
	})
	return true
}

// handleFindIntroResult picks the newest candidate IntroSet, decrypts
// it, and feeds it into PutNewOutboundContext.
func (e *Endpoint) handleFindIntroResult(addr introset.Address, candidates []introset.Encrypted) {
	var best *introset.Encrypted
	for i := range candidates {
		c := candidates[i]
		if c.Owner != addr {
			continue
		}
		if best == nil || best.OtherIsNewer(c) {
			best = &c
		}
	}
	if best == nil {
		e.finalizeLookup(addr, false)
		return
	}
	decoded, err := e.opener.Open(addr, *best)
	if err != nil {
		log.WithError(err).WithField("addr", addr.String()).Warn("failed to decrypt looked-up IntroSet")
		e.finalizeLookup(addr, false)
		return
	}
	if !decoded.Validate() {
		log.WithField("addr", addr.String()).Warn("rejecting looked-up IntroSet with bad signature or implausible expiration")
		e.finalizeLookup(addr, false)
		return
	}
	e.PutNewOutboundContext(decoded)
	e.finalizeLookup(addr, true)
}

func (e *Endpoint) finalizeLookup(addr introset.Address, ok bool) {
	e.mu.Lock()
	entry, exists := e.pendingLookups[addr]
	if !exists {
		e.mu.Unlock()
		return
	}
	delete(e.pendingLookups, addr)
	e.mu.Unlock()

	for _, hook := range entry.hooks {
		hook(ok)
	}
}

// PutNewOutboundContext installs a freshly discovered IntroSet: it
// updates every live (non-Failed) existing context for that address
// with it (preferred, preserves keys), and on top of that creates a
// fresh context whenever none of the existing ones are live — a prior
// attempt dead-ended in Failed, or there was no context at all —
// evicting the oldest if the per-address cap is already at
// MaxOutboundContextCount.
func (e *Endpoint) PutNewOutboundContext(next introset.Set) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := e.outboundSessions[next.Owner]
	liveCount := 0
	for _, ctx := range existing {
		if ctx.State() == outbound.Failed {
			continue
		}
		ctx.UpdateIntroSet(now, next)
		liveCount++
	}
	if liveCount > 0 {
		return
	}

	ctx := outbound.New(next.Owner, now)
	ctx.UpdateIntroSet(now, next)
	e.outboundSessions[next.Owner] = append(e.outboundSessions[next.Owner], ctx)
	e.evictOverflowLocked(next.Owner)
}

// evictOverflowLocked drops the oldest context for addr once the count
// exceeds MaxOutboundContextCount. Callers must hold e.mu.
func (e *Endpoint) evictOverflowLocked(addr introset.Address) {
	ctxs := e.outboundSessions[addr]
	for len(ctxs) > MaxOutboundContextCount {
		ctxs = ctxs[1:]
	}
	e.outboundSessions[addr] = ctxs
}

// readyContextFor returns a Ready OutboundContext for addr, if any.
func (e *Endpoint) readyContextFor(addr introset.Address) *outbound.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ctx := range e.outboundSessions[addr] {
		if ctx.State() == outbound.Ready {
			return ctx
		}
	}
	return nil
}

// tickOutboundContexts advances build pacing (HaveIntro -> Building via
// PathBuilder) and evicts contexts idle for too long.
func (e *Endpoint) tickOutboundContexts(now time.Time) {
	e.mu.Lock()
	type work struct {
		addr introset.Address
		ctx  *outbound.Context
	}
	var toBuild []work
	for addr, ctxs := range e.outboundSessions {
		kept := ctxs[:0]
		for _, ctx := range ctxs {
			if ctx.State() == outbound.Failed || (ctx.State() == outbound.Ready && ctx.IsIdleTooLong(now, e.contextIdleTimeout)) {
				continue // dropped, spec §4.5 state diagram "dropped by parent"
			}
			kept = append(kept, ctx)
			if ctx.State() == outbound.HaveIntro {
				toBuild = append(toBuild, work{addr: addr, ctx: ctx})
			}
		}
		e.outboundSessions[addr] = kept
	}
	e.mu.Unlock()

	for _, w := range toBuild {
		intro, ok := w.ctx.CurrentIntro()
		if !ok || !w.ctx.BeginBuild() {
			continue
		}
		e.paths.BuildPathTo(intro, func(built bool) {
			e.loop.Call(func() {
				if built {
					w.ctx.BuildSucceeded()
				} else {
					w.ctx.BuildFailed()
				}
			})
		})
	}
}

// SendToServiceOrQueue hands buf to a ready OutboundContext for addr if
// one exists; otherwise it enqueues buf in a bounded per-address
// backlog (oldest dropped on overflow) and ensures a lookup+build is in
// progress.
func (e *Endpoint) SendToServiceOrQueue(now time.Time, addr introset.Address, buf []byte, msgType uint8) {
	if ctx := e.readyContextFor(addr); ctx != nil {
		e.sendVia(ctx, buf, msgType)
		return
	}

	e.mu.Lock()
	q := e.pendingTraffic[addr]
	if len(q) >= maxPendingTrafficPerAddress {
		q = q[1:]
	}
	q = append(q, queuedPacket{buf: buf, msgType: msgType, queued: now})
	e.pendingTraffic[addr] = q
	e.mu.Unlock()

	e.EnsurePathToService(now, addr, func(ok bool) {
		if !ok {
			return
		}
		e.flushPendingTraffic(addr)
	})
}

func (e *Endpoint) flushPendingTraffic(addr introset.Address) {
	ctx := e.readyContextFor(addr)
	if ctx == nil {
		return
	}
	e.mu.Lock()
	q := e.pendingTraffic[addr]
	delete(e.pendingTraffic, addr)
	e.mu.Unlock()
	for _, pkt := range q {
		e.sendVia(ctx, pkt.buf, pkt.msgType)
	}
}

// sendVia is the placeholder for the actual encrypt-and-send-over-path
// step; the transport/link plumbing it delegates to is out of scope for
// this package (it is consumed, not specified, per spec.md §1).
func (e *Endpoint) sendVia(ctx *outbound.Context, buf []byte, msgType uint8) {
	_ = buf
	_ = msgType
	intro, ok := ctx.CurrentIntro()
	if !ok {
		return
	}
	log.WithFields(logger.Fields{
		"at":     "(Endpoint) sendVia",
		"target": ctx.TargetAddress().String(),
		"router": intro.Router.String(),
	}).Debug("sending queued traffic via outbound context")
}

// DispatchInbound is the entrypoint for a decrypted protocol frame
// arriving on a path. It looks up the Session for tag, runs it past the
// configured AuthPolicy if any, and pushes the payload to the
// InboundHandler capability. Per spec §5, no operation may block the
// event loop except setup_tun/stop; since AuthPolicy.ProcessAuthMessage
// is itself async (its callback may arrive via e.loop.Call), the result
// is delivered to done rather than returned, resuming through a
// loop-posted continuation instead of a blocking channel receive.
func (e *Endpoint) DispatchInbound(now time.Time, tag ConvoTag, buf []byte, msgType uint8, seqno uint64, done func(error)) {
	e.mu.Lock()
	sess, ok := e.sessions[tag]
	e.mu.Unlock()
	if !ok {
		done(errkind.Errorf(errkind.Invariant, "no session for convo tag; dropping frame"))
		return
	}

	finish := func() error {
		sess.Touch(now)
		if e.handler == nil {
			return nil
		}
		return e.handler.HandleInboundPacket(tag, buf, msgType, seqno)
	}

	if e.auth == nil {
		done(finish())
		return
	}

	e.auth.ProcessAuthMessage(tag, buf, func(ok bool, reply []byte) {
		_ = reply // send_auth_result is the transport's responsibility, out of scope here
		e.loop.Call(func() {
			if !ok {
				done(errkind.Errorf(errkind.Policy, "auth policy rejected inbound message on convo tag"))
				return
			}
			done(finish())
		})
	})
}

// PeerForTag returns the remote address the session identified by tag
// belongs to, used by InboundHandler implementations (e.g. lib/tun) that
// need the peer address rather than the raw tag to route a packet.
func (e *Endpoint) PeerForTag(tag ConvoTag) (introset.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[tag]
	if !ok {
		return introset.Address{}, false
	}
	return sess.Peer, true
}

// PutSession installs or replaces the Session for tag, e.g. once an
// OutboundContext's handshake completes or an inbound handshake is
// accepted.
func (e *Endpoint) PutSession(tag ConvoTag, sess *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[tag] = sess
}

// GetBestConvoTagForService returns the tag with the most recent
// activity among sessions pointing at addr.
func (e *Endpoint) GetBestConvoTagForService(addr introset.Address) (ConvoTag, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best ConvoTag
	var bestTime time.Time
	found := false
	for tag, sess := range e.sessions {
		if sess.Peer != addr {
			continue
		}
		if !found || sess.LastActivity.After(bestTime) {
			best, bestTime, found = tag, sess.LastActivity, true
		}
	}
	return best, found
}

// RemoveAllConvoTagsFor evicts every session pointing at addr, e.g.
// because its OutboundContext failed.
func (e *Endpoint) RemoveAllConvoTagsFor(addr introset.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tag, sess := range e.sessions {
		if sess.Peer == addr {
			delete(e.sessions, tag)
		}
	}
}

// EvictIdleSessions drops every session whose LastActivity predates
// now-idleTimeout.
func (e *Endpoint) EvictIdleSessions(now time.Time, idleTimeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tag, sess := range e.sessions {
		if now.Sub(sess.LastActivity) > idleTimeout {
			delete(e.sessions, tag)
		}
	}
}

// ResolveLNS resolves name via the configured LNSResolver, consulting
// and populating a 24-hour cache first.
func (e *Endpoint) ResolveLNS(now time.Time, name string, cb func(addr introset.Address, ok bool)) {
	e.mu.Lock()
	if entry, ok := e.lnsCache[name]; ok && entry.expiry.After(now) {
		addr := entry.addr
		e.mu.Unlock()
		cb(addr, true)
		return
	}
	e.mu.Unlock()

	if e.lns == nil {
		cb(introset.Address{}, false)
		return
	}
	e.lns.ResolveLNS(name, func(addr introset.Address, ok bool) {
		if ok {
			e.mu.Lock()
			e.lnsCache[name] = lnsCacheEntry{addr: addr, expiry: now.Add(lnsCacheTTL)}
			e.mu.Unlock()
		}
		cb(addr, ok)
	})
}

// LookupRouterAnonymously issues a router-contact lookup for id on this
// endpoint's behalf, coalescing concurrent callers like RC Lookup does,
// so repeated path-building attempts toward the same router don't fan
// out redundant DHT traffic.
func (e *Endpoint) LookupRouterAnonymously(id rc.ID, cb func(rc.Contact, bool)) {
	e.mu.Lock()
	job, exists := e.pendingRouters[id]
	if !exists {
		job = &pendingRouterJob{}
		e.pendingRouters[id] = job
	}
	job.hooks = append(job.hooks, cb)
	e.mu.Unlock()
	if exists {
		return
	}

	e.rcSource.GetRC(id, func(c rc.Contact, ok bool) {
		e.mu.Lock()
		j, present := e.pendingRouters[id]
		delete(e.pendingRouters, id)
		e.mu.Unlock()
		if !present {
			return
		}
		for _, hook := range j.hooks {
			hook(c, ok)
		}
	}, false)
}

// Stop drains pending lookups (their hooks receive ok=false, mirroring
// the source's Cancelled status) and clears session state. Idempotent.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	lookups := e.pendingLookups
	e.pendingLookups = make(map[introset.Address]*pendingLookup)
	routers := e.pendingRouters
	e.pendingRouters = make(map[rc.ID]*pendingRouterJob)
	e.sessions = make(map[ConvoTag]*Session)
	e.pendingTraffic = make(map[introset.Address][]queuedPacket)
	e.mu.Unlock()

	for _, entry := range lookups {
		for _, hook := range entry.hooks {
			hook(false)
		}
	}
	for _, job := range routers {
		for _, hook := range job.hooks {
			hook(rc.Contact{}, false)
		}
	}
}
