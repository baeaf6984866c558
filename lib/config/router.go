package config

import (
	"path/filepath"
	"time"
)

// RouterConfig is the root configuration for one daemon instance: where it
// keeps state, which links it listens/dials on, how it validates peers, and
// how its hidden-service/TUN and RPC-bridge surfaces behave.
type RouterConfig struct {
	// BaseDir is where per-system defaults are stored.
	BaseDir string
	// WorkingDir is where runtime state (rcstore.db, identity keys) lives.
	WorkingDir string
	// Link configures the transport links the Link Manager owns.
	Link *LinkConfig
	// Whitelist configures RC Lookup's service-node/whitelist policy.
	Whitelist *WhitelistConfig
	// Bootstrap configures the seed RCs used when the local cache is empty.
	Bootstrap *BootstrapConfig
	// TUN configures the TUN Handler, nil if this node is relay-only.
	TUN *TUNConfig
	// RPC configures the blockchain RPC bridge consumer.
	RPC *RPCConfig
}

// LinkConfig configures one transport link registered with the Link
// Manager. A daemon may register several (e.g. one per supported
// transport version).
type LinkConfig struct {
	// Name identifies the link for logging (e.g. "ntcp2-alike").
	Name string
	// ListenAddr is the local bind address for inbound sessions; empty
	// disables inbound for this link (outbound-only / client mode).
	ListenAddr string
	// IdleLifetime is how long an established session may sit idle
	// before the link considers closing it. Default: 60s (spec §6).
	IdleLifetime time.Duration
	// MaxSendQueueDepth bounds per-session outbound queue depth.
	// Default: 1024 messages (spec §6).
	MaxSendQueueDepth int
	// MaxMessageSize bounds a single link message. Default: 8192 bytes.
	MaxMessageSize int
}

// WhitelistConfig configures RC Lookup's acceptance policy.
type WhitelistConfig struct {
	// IsServiceNode: if true, only whitelisted RouterIDs are accepted
	// and get_rc enforces that strictly; if false, StrictConnect plus
	// Bootstrap entries are always allowed, and an empty whitelist is
	// permissive (spec §4.4 remote_is_allowed).
	IsServiceNode bool
	// UseWhitelist gates whether check_rc enforces whitelist membership
	// at all, independent of IsServiceNode (a relay may run without
	// ever having received one yet).
	UseWhitelist bool
	// StrictConnect lists RouterIDs always allowed regardless of
	// whitelist state (explicit pinned peers).
	StrictConnect []string
	// RefreshInterval is periodic_update's re-verification cadence for
	// cached RCs.
	RefreshInterval time.Duration
	// LookupTimeout bounds a single DHT lookup before pending callbacks
	// receive Timeout.
	LookupTimeout time.Duration
	// ExploreInterval is loaded from config but no component reads it;
	// lib/router runs explore_network's DHT random-walk discovery on
	// every maintenance tick.
	ExploreInterval time.Duration
}

// BootstrapConfig lists the seed RouterContacts a fresh node uses to find
// its first peers, replacing the earlier protocol's reseed-server/SU3
// model with directly-pinned RC bootstrap entries (this network's
// descriptors are small enough to ship inline; there is no equivalent of
// an out-of-band reseed bundle here).
type BootstrapConfig struct {
	// LowPeerThreshold is the connected-peer count below which the
	// bootstrap set would be worth retrying. It is loaded from config
	// but no component reads it; seeds are used only at startup.
	LowPeerThreshold int
	// Seeds are known-good {RouterID, address} pairs used to dial the
	// DHT before any RC has been looked up organically.
	Seeds []BootstrapSeed
}

// BootstrapSeed is one pinned entry point into the DHT.
type BootstrapSeed struct {
	RouterID string // hex-encoded 32-byte Ed25519 public key
	Addr     string // host:port
}

// TUNConfig configures the TUN Handler.
type TUNConfig struct {
	// IfName is the platform network interface name to create/attach.
	IfName string
	// Range is the CIDR block IPMapping allocates virtual IPs from.
	// Empty means DetectFreeRange should be used at configure time.
	Range string
	// ActivityTimeout bounds how long an IP mapping may sit unused
	// before it becomes eligible for LRU recycling.
	ActivityTimeout time.Duration
	// DNSUpstreams are resolvers consulted for names outside this
	// node's own TLDs.
	DNSUpstreams []string
}

// RPCConfig configures the outbound JSON-RPC client to the blockchain
// daemon that supplies the whitelist and answers LNS/peer-stats queries.
type RPCConfig struct {
	// Endpoint is the blockchain daemon's JSON-RPC URL.
	Endpoint string
	// PingInterval is the cadence of the version-triple heartbeat.
	// Default: 30s (spec §6).
	PingInterval time.Duration
	// WhitelistPollInterval is how often the active service-node list
	// is re-fetched and fed to RC Lookup's set_router_whitelist.
	WhitelistPollInterval time.Duration
}

func defaultBase() string {
	return filepath.Join(BuildMeshnetDirPath(), "base")
}

func defaultWorking() string {
	return filepath.Join(BuildMeshnetDirPath(), "config")
}

// defaultRouterConfig is the package-level default, built from the
// individual Default*Config values in defaults.go.
var defaultRouterConfig = &RouterConfig{
	BaseDir:    defaultBase(),
	WorkingDir: defaultWorking(),
	Link:       &DefaultLinkConfig,
	Whitelist:  &DefaultWhitelistConfig,
	Bootstrap:  &DefaultBootstrapConfig,
	TUN:        &DefaultTUNConfig,
	RPC:        &DefaultRPCConfig,
}

// DefaultRouterConfig returns the package's default RouterConfig.
func DefaultRouterConfig() *RouterConfig {
	return defaultRouterConfig
}

// RouterConfigProperties is the process-wide configuration, mutated by
// InitConfig/UpdateRouterConfig. New code should prefer
// NewRouterConfigFromViper over reading this global directly.
var RouterConfigProperties = DefaultRouterConfig()
