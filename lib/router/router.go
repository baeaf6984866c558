// Package router wires the core routing subsystem into one daemon: the
// Link Manager, RC Lookup Handler, RC Store, and blockchain RPC bridge
// are always present; a Service Endpoint (and its TUN specialization)
// come up when the host embedding this daemon supplies the externally
// owned collaborators spec.md §1 places out of scope — the transport
// links, the DHT, the path-building service, the encrypt-to-self AEAD,
// and (for TUN) the platform network interface.
package router

import (
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/ybbus/jsonrpc/v2"

	"github.com/oxenmesh/meshnet/lib/config"
	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/introset"
	"github.com/oxenmesh/meshnet/lib/link"
	"github.com/oxenmesh/meshnet/lib/loop"
	"github.com/oxenmesh/meshnet/lib/rc"
	"github.com/oxenmesh/meshnet/lib/rclookup"
	"github.com/oxenmesh/meshnet/lib/rcstore"
	"github.com/oxenmesh/meshnet/lib/rpc"
	"github.com/oxenmesh/meshnet/lib/service"
	"github.com/oxenmesh/meshnet/lib/tun"
	"github.com/oxenmesh/meshnet/lib/util/time/skew"
	"github.com/oxenmesh/meshnet/lib/util/time/sntp"
)

var log = logger.GetGoI2PLogger()

// Externals collects the collaborators spec.md §1 names as out of
// scope for this subsystem but which a running daemon must be handed
// by its host: the transport links (wire codec), the DHT (message
// codec), the path-building service, the encrypt-to-self AEAD, and the
// platform network interface for TUN. Every field is optional; the
// daemon runs a reduced role (e.g. relay-only with no Endpoint) when a
// field required for a capability is missing.
type Externals struct {
	// Links are the already-constructed transport links (one per
	// supported transport) the Link Manager registers at Start. A
	// relay-only node typically supplies one inbound+outbound link; a
	// client-only node may supply an outbound-only link.
	Links []ExternalLink
	// SessionMaker services check_persisting_sessions' "needs session"
	// list. Required if any PersistSessionUntil caller expects
	// sessions to actually be dialed.
	SessionMaker link.SessionMaker

	// RCLookupDHT drives rclookup.Handler's FindRC/Explore. Nil means
	// the node runs on its bootstrap/cached RC set only.
	RCLookupDHT rclookup.DHT

	// ServiceDHT, PathBuilder, Sealer, and Opener are required together
	// to stand up a Service Endpoint; any one missing leaves the
	// daemon relay-only.
	ServiceDHT  service.DHT
	PathBuilder service.PathBuilder
	Sealer      introset.Sealer
	Opener      introset.Opener
	Auth        service.AuthPolicy

	// TUNDevice additionally required to stand up the TUN Handler atop
	// the Service Endpoint; nil leaves the Endpoint running without a
	// local IP interface (e.g. the hidden service exists purely to
	// answer inbound conversations started by other services).
	TUNDevice tun.Device

	// LNSOpener decrypts rpc.lns_resolve's AEAD envelope. Nil means LNS
	// names never resolve.
	LNSOpener rpc.LNSOpener

	// NTPClient overrides the default public-pool NTP client used to
	// correct lib/util/time/skew's clock-skew judgments. Nil means the
	// real beevik/ntp client; tests supply a fake to avoid a network
	// round trip.
	NTPClient sntp.NTPClient
}

// ExternalLink pairs a constructed link.Link with its direction flag,
// mirroring AddLink's (link, inbound) signature.
type ExternalLink struct {
	Link    link.Link
	Inbound bool
}

// Router is one daemon instance: the wiring root for every core
// routing-subsystem component, plus the single event loop and ticking
// maintenance schedule that drives them.
type Router struct {
	cfg *config.RouterConfig
	ext Externals

	loop       *loop.Loop
	workers    *loop.WorkerPool
	store      *rcstore.Store
	links      *link.Manager
	rcLookup   *rclookup.Handler
	rpcBridge  *rpc.Bridge
	identity   *service.Identity
	endpoint   *service.Endpoint
	tunHandler *tun.Handler
	ntpSync    *sntp.Timestamper

	tickInterval time.Duration

	runMux    sync.RWMutex
	running   bool
	stopTick  chan struct{}
	closeChnl chan struct{}
}

// CreateRouter builds a Router from cfg and ext but does not start it.
// Failure to open the RC store or load the identity key is Fatal (spec
// §7) and aborts construction.
func CreateRouter(cfg *config.RouterConfig, ext Externals) (*Router, error) {
	if cfg == nil {
		cfg = config.DefaultRouterConfig()
	}
	log.WithField("working_dir", cfg.WorkingDir).Debug("creating router")

	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return nil, errkind.New(errkind.Fatal, oops.Wrapf(err, "create working dir %q", cfg.WorkingDir))
	}

	store, err := rcstore.Open(cfg.WorkingDir + "/rcstore.db")
	if err != nil {
		return nil, errkind.New(errkind.Fatal, oops.Wrapf(err, "open rcstore"))
	}

	strict := make([]rc.ID, 0, len(cfg.Whitelist.StrictConnect))
	for _, s := range cfg.Whitelist.StrictConnect {
		id, idErr := rc.IDFromHex(s)
		if idErr != nil {
			log.WithError(idErr).WithField("strict_connect_entry", s).Warn("skipping malformed strict_connect RouterID")
			continue
		}
		strict = append(strict, id)
	}

	var bootstrapRCs []rc.Contact
	for _, seed := range cfg.Bootstrap.Seeds {
		id, idErr := rc.IDFromHex(seed.RouterID)
		if idErr != nil {
			log.WithError(idErr).WithField("seed", seed.RouterID).Warn("skipping malformed bootstrap seed RouterID")
			continue
		}
		bootstrapRCs = append(bootstrapRCs, rc.Contact{
			RouterID:   id,
			Addresses:  []rc.Address{{Transport: "tcp", Host: seed.Addr}},
			Expiration: time.Now().Add(24 * time.Hour).Unix(),
		})
	}

	l := loop.New(256)
	workers := loop.NewWorkerPool(l, config.DefaultPerformanceConfig.WorkerPoolSize)

	var rcDHT rclookup.DHT = noDHT{}
	if ext.RCLookupDHT != nil {
		rcDHT = ext.RCLookupDHT
	}
	rcLookup := rclookup.New(l, store, rcDHT, rclookup.Config{
		IsServiceNode:   cfg.Whitelist.IsServiceNode,
		UseWhitelist:    cfg.Whitelist.UseWhitelist,
		StrictConnect:   strict,
		BootstrapRCs:    bootstrapRCs,
		LookupTimeout:   cfg.Whitelist.LookupTimeout,
		RefreshInterval: cfg.Whitelist.RefreshInterval,
	})

	if wl, werr := store.GetWhitelist(); werr == nil && len(wl) > 0 {
		rcLookup.SetRouterWhitelist(wl)
	}

	linkMgr := link.New(ext.SessionMaker)
	for _, e := range ext.Links {
		linkMgr.AddLink(e.Link, e.Inbound)
	}
	if persisted, perr := storePersistingEntries(store); perr == nil {
		for id, deadline := range persisted {
			linkMgr.PersistSessionUntil(id, deadline)
		}
	}

	ntpSync := sntp.New(sntp.Config{Client: ext.NTPClient})
	ntpSync.AddListener(skew.Corrector{})

	r := &Router{
		cfg:          cfg,
		ext:          ext,
		loop:         l,
		workers:      workers,
		store:        store,
		links:        linkMgr,
		rcLookup:     rcLookup,
		ntpSync:      ntpSync,
		tickInterval: config.DefaultPerformanceConfig.TickInterval,
		closeChnl:    make(chan struct{}),
	}

	if cfg.RPC != nil && cfg.RPC.Endpoint != "" {
		r.rpcBridge = rpc.New(l, rpc.Config{
			Client:       jsonrpc.NewClient(cfg.RPC.Endpoint),
			Whitelist:    whitelistSinkFunc(func(list []rc.ID) { r.onWhitelistUpdated(list) }),
			LNS:          ext.LNSOpener,
			PingInterval: cfg.RPC.PingInterval,
			PollInterval: cfg.RPC.WhitelistPollInterval,
		})
	}

	// The Endpoint resolves LNS names through the RPC bridge; the TUN
	// Handler goes through the Endpoint's cached ResolveLNS instead.
	var lns service.LNSResolver
	if r.rpcBridge != nil {
		lns = r.rpcBridge
	}

	if ext.ServiceDHT != nil && ext.PathBuilder != nil && ext.Sealer != nil && ext.Opener != nil {
		identity, idErr := service.LoadOrGenerateIdentity(cfg.WorkingDir + "/identity.key")
		if idErr != nil {
			store.Close()
			return nil, idErr
		}
		r.identity = identity

		var handler service.InboundHandler
		if cfg.TUN != nil && ext.TUNDevice != nil {
			// The Endpoint and the TUN Handler are mutually referential
			// (Endpoint dispatches to TUN, TUN sends through Endpoint),
			// so the Endpoint is built first with a forwarding shim and
			// the shim is pointed at the real Handler once it exists.
			shim := &inboundShim{}
			handler = shim
			endpoint := service.New(service.Config{
				Identity:           identity,
				PathBuilder:        ext.PathBuilder,
				DHT:                ext.ServiceDHT,
				Sealer:             ext.Sealer,
				Opener:             ext.Opener,
				RCSource:           rcLookupSource{rcLookup},
				LNS:                lns,
				Auth:               ext.Auth,
				Handler:            handler,
				Loop:               l,
				PublishInterval:    derivePublishInterval(cfg),
			})
			r.endpoint = endpoint

			tunRange, rangeErr := parseTUNRange(cfg.TUN.Range)
			if rangeErr != nil {
				store.Close()
				return nil, rangeErr
			}
			tunHandler := tun.New(tun.Config{
				Device:          ext.TUNDevice,
				Sender:          endpoint,
				Peers:           endpoint,
				OurRange:        tunRange.prefix,
				OurIP:           tunRange.ourIP,
				ActivityTimeout: cfg.TUN.ActivityTimeout,
				Resolver:        lnsResolverFunc(r.resolveLNS),
			})
			shim.target = tunHandler
			r.tunHandler = tunHandler
		} else {
			r.endpoint = service.New(service.Config{
				Identity:        identity,
				PathBuilder:     ext.PathBuilder,
				DHT:             ext.ServiceDHT,
				Sealer:          ext.Sealer,
				Opener:          ext.Opener,
				RCSource:        rcLookupSource{rcLookup},
				LNS:             lns,
				Auth:            ext.Auth,
				Loop:            l,
				PublishInterval: derivePublishInterval(cfg),
			})
		}
	}

	log.Debug("router created")
	return r, nil
}

// inboundShim lets the Endpoint be constructed before its TUN Handler
// exists, then forwards to the real Handler once New(tun.Config) runs.
// This is the opaque-handle pattern design notes §9 recommends in place
// of the source's Endpoint<->OutboundContext back-references: nothing
// outlives its owner, the shim just defers one wiring step by one line.
type inboundShim struct {
	target service.InboundHandler
}

func (s *inboundShim) HandleInboundPacket(tag service.ConvoTag, buf []byte, msgType uint8, seqno uint64) error {
	if s.target == nil {
		return errkind.Errorf(errkind.Transient, "tun handler not yet wired")
	}
	return s.target.HandleInboundPacket(tag, buf, msgType, seqno)
}

type whitelistSinkFunc func(list []rc.ID)

func (f whitelistSinkFunc) SetRouterWhitelist(list []rc.ID) { f(list) }

type lnsResolverFunc func(now time.Time, name string, cb func(introset.Address, bool))

func (f lnsResolverFunc) ResolveLNS(name string, cb func(introset.Address, bool)) {
	f(time.Now(), name, cb)
}

// rcLookupSource adapts rclookup.Handler's Status-valued GetRC callback
// to the bool-valued one service.RCSource expects.
type rcLookupSource struct{ h *rclookup.Handler }

func (s rcLookupSource) GetRC(id rc.ID, cb func(rc.Contact, bool), force bool) {
	s.h.GetRC(id, func(c rc.Contact, st rclookup.Status) { cb(c, st == rclookup.Success) }, force)
}

// noDHT stands in for a missing Externals.RCLookupDHT: every FindRC
// completes with no candidates and Explore surfaces no RouterIDs.
type noDHT struct{}

func (noDHT) FindRC(id rc.ID, onResult func([]rc.Contact)) { onResult(nil) }
func (noDHT) Explore(onResult func([]rc.ID))               { onResult(nil) }

func (r *Router) onWhitelistUpdated(list []rc.ID) {
	r.rcLookup.SetRouterWhitelist(list)
	if err := r.store.PutWhitelist(list); err != nil {
		log.WithError(err).Warn("failed to persist updated whitelist")
	}
}

func (r *Router) resolveLNS(now time.Time, name string, cb func(introset.Address, bool)) {
	if r.endpoint != nil {
		r.endpoint.ResolveLNS(now, name, cb)
		return
	}
	cb(introset.Address{}, false)
}

func storePersistingEntries(store *rcstore.Store) (map[rc.ID]time.Time, error) {
	out := make(map[rc.ID]time.Time)
	err := store.ForEachPersisting(func(id rc.ID, deadline time.Time) {
		out[id] = deadline
	})
	return out, err
}

// tunRange bundles the parsed interface prefix and our address inside
// it (the first host address in the range), computed once at configure
// time.
type tunRange struct {
	prefix netip.Prefix
	ourIP  netip.Addr
}

// parseTUNRange resolves cfg.TUN.Range into a usable prefix, falling
// back to tun.DetectFreeRange when Range is empty (spec §6
// detect_free_range). Our own address is the first host address inside
// the range.
func parseTUNRange(rangeStr string) (tunRange, error) {
	if rangeStr == "" {
		rangeStr = tun.DetectFreeRange()
		if rangeStr == "" {
			return tunRange{}, errkind.Errorf(errkind.Fatal, "no free private IPv4 range available for tun interface; set tun.range explicitly")
		}
	}
	prefix, err := netip.ParsePrefix(rangeStr)
	if err != nil {
		return tunRange{}, errkind.New(errkind.Fatal, oops.Wrapf(err, "parse tun.range %q", rangeStr))
	}
	ourIP := prefix.Masked().Addr().Next()
	return tunRange{prefix: prefix, ourIP: ourIP}, nil
}

func derivePublishInterval(cfg *config.RouterConfig) time.Duration {
	// spec §6: IntroSet publish interval defaults to
	// default_path_lifetime/4; this daemon does not own path lifetime
	// (the path-building service does), so it uses service.New's own
	// default unless a future config surface exposes path lifetime.
	return 0
}

// Start starts every always-present component (Link Manager, RPC
// bridge if configured) and begins the periodic maintenance tick. A
// link failing to start aborts the whole sequence and is Fatal (spec
// §4.3, §7).
func (r *Router) Start() error {
	r.runMux.Lock()
	defer r.runMux.Unlock()
	if r.running {
		return errkind.Errorf(errkind.Invariant, "router already running")
	}

	if err := r.links.Start(); err != nil {
		return errkind.New(errkind.Fatal, oops.Wrapf(err, "start link manager"))
	}
	if r.tunHandler != nil {
		if err := r.tunHandler.SetupTun(); err != nil {
			r.links.Stop()
			return errkind.New(errkind.Fatal, oops.Wrapf(err, "setup tun"))
		}
		go r.tunHandler.RunReadLoop(r.loop)
	}
	if r.rpcBridge != nil {
		r.rpcBridge.Run()
	}
	r.ntpSync.Start()

	r.running = true
	r.stopTick = make(chan struct{})
	go r.loop.Run()
	go r.tickLoop()
	log.Debug("router started")
	return nil
}

// tickLoop drives every component's periodic maintenance at
// tickInterval (spec §2: "periodic ticks (every ~100ms)").
func (r *Router) tickLoop() {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopTick:
			return
		case now := <-ticker.C:
			r.loop.Call(func() { r.tick(now) })
		}
	}
}

// keepAliveMessage is the minimal payload sent to a peer we're
// committed to holding a session with, per persist_session_until's
// "if t > now and a live session exists, send keepalive" (spec §4.3).
// Its wire framing is the transport's concern; this daemon only needs
// Send to register activity against the session's idle lifetime.
var keepAliveMessage = []byte{0}

func (r *Router) tick(now time.Time) {
	r.links.Pump()
	// CheckPersistingSessions both evicts expired commitments and, for
	// ones with no live session yet, calls back into SessionMaker
	// itself; it only returns the subset that already has a session
	// and needs a keepalive sent.
	keepalive := r.links.CheckPersistingSessions(now)
	for _, id := range keepalive {
		r.links.SendTo(id, keepAliveMessage, func(link.Status) {})
	}
	r.rcLookup.PeriodicUpdate(now)
	r.rcLookup.ExploreNetwork()
	if r.endpoint != nil {
		r.endpoint.Tick(now)
	}
	if r.tunHandler != nil {
		r.tunHandler.TickTun(now)
	}
}

// IsRunning reports whether Start has completed and Stop has not yet
// been called.
func (r *Router) IsRunning() bool {
	r.runMux.RLock()
	defer r.runMux.RUnlock()
	return r.running
}

// Stop is cooperative and idempotent (spec §5 "Cancellation &
// timeouts"): it stops the tick schedule, tears down the Link Manager
// (which flips Stopping so every in-flight Send reports
// DeliveryDropped), stops the Endpoint and RPC bridge, then signals
// Wait.
func (r *Router) Stop() {
	r.runMux.Lock()
	if !r.running {
		r.runMux.Unlock()
		return
	}
	r.running = false
	close(r.stopTick)
	r.runMux.Unlock()

	r.links.Stop()
	if r.endpoint != nil {
		r.endpoint.Stop()
	}
	if r.rpcBridge != nil {
		r.rpcBridge.Stop()
	}
	r.ntpSync.Stop()
	r.loop.Stop()

	select {
	case <-r.closeChnl:
	default:
		close(r.closeChnl)
	}
	log.Debug("router stopped")
}

// Wait blocks until Stop has been called and has finished tearing down
// every component.
func (r *Router) Wait() {
	<-r.closeChnl
}

// Close releases the RC store and any other on-disk resources. Callers
// must have already observed Wait return.
func (r *Router) Close() error {
	if err := r.store.Close(); err != nil {
		return errkind.New(errkind.Fatal, oops.Wrapf(err, "close rcstore"))
	}
	return nil
}

// Loop returns the daemon's single event loop, so externally supplied
// collaborators (a concrete Link, DHT, or PathBuilder implementation
// constructed by the host) can post their completions back via Call
// and stay inside the same thread-confinement contract as every
// in-tree component (spec §5).
func (r *Router) Loop() *loop.Loop {
	return r.loop
}

// Workers returns the daemon's CPU-bound worker pool, for the same
// externally supplied collaborators to offload signature verification
// or key exchange without blocking the event loop (spec §5).
func (r *Router) Workers() *loop.WorkerPool {
	return r.workers
}

// Endpoint returns the daemon's Service Endpoint, or nil if the host
// did not supply the collaborators required to stand one up.
func (r *Router) Endpoint() *service.Endpoint {
	return r.endpoint
}

// TUN returns the daemon's TUN Handler, or nil if the host did not
// supply a TUN device (or an Endpoint wasn't stood up at all).
func (r *Router) TUN() *tun.Handler {
	return r.tunHandler
}

// RCLookup returns the daemon's RC Lookup Handler, always present.
func (r *Router) RCLookup() *rclookup.Handler {
	return r.rcLookup
}

// Links returns the daemon's Link Manager, always present.
func (r *Router) Links() *link.Manager {
	return r.links
}

// UpdatePeerDB exposes the Link Manager's accounting pass for a host
// embedding this daemon to feed a peer-statistics display or RPC reply
// (spec §4.3 update_peer_db, §6 get_peer_stats).
func (r *Router) UpdatePeerDB(db link.PeerDB) {
	r.links.UpdatePeerDB(db)
}
