// Package rpc is the thin JSON-RPC client side of the blockchain RPC
// bridge (spec.md §6): it polls the node daemon for the active
// service-node whitelist, resolves LNS names, and sends the version-
// triple ping heartbeat. peerstats.go encodes the get_peer_stats reply
// body the node daemon polls this process for.
package rpc

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/ybbus/jsonrpc/v2"
	"golang.org/x/time/rate"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/introset"
	"github.com/oxenmesh/meshnet/lib/loop"
	"github.com/oxenmesh/meshnet/lib/rc"
)

var log = logger.GetGoI2PLogger()

// Client is the subset of jsonrpc.RPCClient this package depends on,
// kept narrow so tests can substitute a fake without an HTTP server.
type Client interface {
	Call(method string, params ...interface{}) (*jsonrpc.RPCResponse, error)
}

// WhitelistSink receives the active service-node whitelist whenever
// UpdateServiceNodeList successfully polls a change, per spec §4.4
// set_router_whitelist. lib/rclookup.Handler satisfies this.
type WhitelistSink interface {
	SetRouterWhitelist(list []rc.ID)
}

// LNSOpener decrypts the {encrypted_value, nonce} envelope rpc.lns_resolve
// returns into the hidden-service address it names. The AEAD construction
// itself is out of scope here (spec.md §1 Non-goals), consumed through
// this interface the same way lib/introset consumes Sealer/Opener.
type LNSOpener interface {
	OpenLNSName(nameHash [32]byte, nonce [24]byte, ciphertext []byte) (introset.Address, error)
}

// Version is the daemon's version triple, sent on every ping.
type Version [3]uint16

// Config configures a new Bridge.
type Config struct {
	Client        Client
	Whitelist     WhitelistSink
	LNS           LNSOpener
	Version       Version
	PingInterval  time.Duration
	PollInterval  time.Duration
	RetryInterval time.Duration
}

// Bridge is the RC Lookup/Service Endpoint-facing consumer of the node
// daemon's JSON-RPC surface: rpc.get_service_nodes, admin.lokinet_ping,
// and rpc.lns_resolve, per spec §6 "Blockchain RPC bridge (consumed)".
type Bridge struct {
	loop   *loop.Loop
	client Client

	whitelist WhitelistSink
	lns       LNSOpener

	version       Version
	pingInterval  time.Duration
	pollInterval  time.Duration
	retryInterval time.Duration

	mu        sync.Mutex
	blockHash string

	// retryLimiter throttles re-issuing a failed get_service_nodes or
	// lns_resolve call, replacing an ad-hoc last-attempt timestamp with
	// golang.org/x/time/rate per SPEC_FULL.md §6.
	retryLimiter *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Bridge. cfg.Client and cfg.Whitelist must be non-nil;
// cfg.LNS may be nil, in which case ResolveLNS always reports not-found.
func New(l *loop.Loop, cfg Config) *Bridge {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Bridge{
		loop:         l,
		client:       cfg.Client,
		whitelist:    cfg.Whitelist,
		lns:          cfg.LNS,
		version:      cfg.Version,
		pingInterval:  ping,
		pollInterval:  poll,
		retryInterval: retry,
		retryLimiter:  rate.NewLimiter(rate.Every(retry), 1),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the ping and whitelist-poll tickers on their own
// goroutines; both submit their event-loop-affecting work back via
// loop.Call. Run returns immediately.
func (b *Bridge) Run() {
	b.wg.Add(2)
	go b.pingLoop()
	go b.pollLoop()
}

// Stop halts the ticker goroutines. Idempotent is not guaranteed; call
// once.
func (b *Bridge) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Bridge) pingLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.Ping()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bridge) pollLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.pollInterval)
	defer t.Stop()
	b.UpdateServiceNodeList()
	for {
		select {
		case <-t.C:
			b.UpdateServiceNodeList()
		case <-b.stopCh:
			return
		}
	}
}

// pingRequest mirrors admin.lokinet_ping's {"version": [major, minor,
// patch]} body.
type pingRequest struct {
	Version [3]uint16 `json:"version"`
}

// Ping sends the daemon's version triple, every PingInterval, per
// spec §6 "Ping messages carry the daemon's version triple ... every
// 30s".
func (b *Bridge) Ping() {
	_, err := b.client.Call("admin.lokinet_ping", pingRequest{Version: b.version})
	if err != nil {
		log.WithError(err).Debug("lokinet_ping failed")
	}
}

// getServiceNodesRequest mirrors rpc.get_service_nodes's request body:
// ask for the ed25519 pubkey field only, active nodes only, and avoid a
// full reply when nothing has changed since poll_block_hash.
type getServiceNodesRequest struct {
	Fields        getServiceNodesFields `json:"fields"`
	ActiveOnly    bool                   `json:"active_only"`
	PollBlockHash string                 `json:"poll_block_hash,omitempty"`
}

type getServiceNodesFields struct {
	PubkeyEd25519 bool `json:"pubkey_ed25519"`
}

type getServiceNodesResponse struct {
	Status             string             `json:"status"`
	Unchanged          bool               `json:"unchanged"`
	BlockHash          string             `json:"block_hash"`
	ServiceNodeStates  []serviceNodeState `json:"service_node_states"`
}

type serviceNodeState struct {
	PubkeyEd25519 string `json:"pubkey_ed25519"`
}

// UpdateServiceNodeList polls rpc.get_service_nodes and, on a genuine
// change, feeds the resulting RouterID list to the configured
// WhitelistSink on the event loop. Preserves the source's
// unchanged=true short-circuit, plus the block_hash regression check
// from SPEC_FULL.md §9: a reply whose block_hash sorts lexicographically
// before the last one we stored (a rebooted or rolled-back node) is
// rejected as Invariant rather than applied.
func (b *Bridge) UpdateServiceNodeList() {
	b.mu.Lock()
	lastHash := b.blockHash
	b.mu.Unlock()

	req := getServiceNodesRequest{
		Fields:        getServiceNodesFields{PubkeyEd25519: true},
		ActiveOnly:    true,
		PollBlockHash: lastHash,
	}
	resp, err := b.client.Call("rpc.get_service_nodes", req)
	if err != nil {
		log.WithError(err).Warn("failed to update service node list")
		b.scheduleRetry(b.UpdateServiceNodeList)
		return
	}

	var parsed getServiceNodesResponse
	if err := resp.GetObject(&parsed); err != nil {
		log.WithError(err).Warn("malformed get_service_nodes reply")
		return
	}

	if parsed.BlockHash != "" {
		if lastHash != "" && strings.Compare(parsed.BlockHash, lastHash) < 0 {
			err := errkind.Errorf(errkind.Invariant, "get_service_nodes block_hash regressed: %q before %q", parsed.BlockHash, lastHash)
			log.WithError(err).Warn("rejecting service node list with regressed block_hash")
			return
		}
		b.mu.Lock()
		b.blockHash = parsed.BlockHash
		b.mu.Unlock()
	}

	if parsed.Unchanged {
		log.Debug("service node list unchanged")
		return
	}

	ids := make([]rc.ID, 0, len(parsed.ServiceNodeStates))
	for _, s := range parsed.ServiceNodeStates {
		id, err := idFromHex(s.PubkeyEd25519)
		if err != nil {
			log.WithError(err).Warn("skipping service node with unparsable pubkey")
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		log.Warn("got empty service node list from node daemon")
		return
	}

	b.loop.Call(func() {
		b.whitelist.SetRouterWhitelist(ids)
	})
}

func (b *Bridge) scheduleRetry(fn func()) {
	if !b.retryLimiter.Allow() {
		return
	}
	time.AfterFunc(b.retryInterval, fn)
}

// lnsRequest mirrors rpc.lns_resolve's request body: {type:2,
// name_hash:<hex>}, per spec §6.
type lnsRequest struct {
	Type     int    `json:"type"`
	NameHash string `json:"name_hash"`
}

type lnsResponse struct {
	EncryptedValue string `json:"encrypted_value"`
	Nonce          string `json:"nonce"`
}

// ResolveLNS implements lib/service.LNSResolver: it hashes name with
// blake2b (golang.org/x/crypto, otherwise unused by any path in this
// module), looks it up via rpc.lns_resolve, and decrypts the reply
// through the configured LNSOpener. cb always fires on the event loop.
func (b *Bridge) ResolveLNS(name string, cb func(addr introset.Address, ok bool)) {
	if b.lns == nil {
		b.loop.Call(func() { cb(introset.Address{}, false) })
		return
	}

	nameHash := hashLNSName(name)
	resp, err := b.client.Call("rpc.lns_resolve", lnsRequest{Type: 2, NameHash: hex.EncodeToString(nameHash[:])})
	if err != nil {
		log.WithError(err).WithField("name", name).Debug("lns_resolve failed")
		b.scheduleRetry(func() { b.ResolveLNS(name, cb) })
		b.loop.Call(func() { cb(introset.Address{}, false) })
		return
	}

	var parsed lnsResponse
	if err := resp.GetObject(&parsed); err != nil {
		log.WithError(err).WithField("name", name).Debug("malformed lns_resolve reply")
		b.loop.Call(func() { cb(introset.Address{}, false) })
		return
	}

	ciphertext, err := hex.DecodeString(parsed.EncryptedValue)
	if err != nil {
		b.loop.Call(func() { cb(introset.Address{}, false) })
		return
	}
	nonceBytes, err := hex.DecodeString(parsed.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		log.WithField("name", name).Warn("lns_resolve nonce size mismatch")
		b.loop.Call(func() { cb(introset.Address{}, false) })
		return
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	addr, err := b.lns.OpenLNSName(nameHash, nonce, ciphertext)
	if err != nil {
		log.WithError(err).WithField("name", name).Debug("failed to decrypt lns_resolve reply")
		b.loop.Call(func() { cb(introset.Address{}, false) })
		return
	}
	b.loop.Call(func() { cb(addr, true) })
}

func idFromHex(s string) (rc.ID, error) {
	return rc.IDFromHex(s)
}
