package config

import "time"

// DefaultLinkConfig configures a single default transport link in
// outbound+inbound mode. Operators running relay-only or client-only
// nodes override ListenAddr accordingly.
//
// IdleLifetime, MaxSendQueueDepth and MaxMessageSize are the bit-exact
// constants named in spec.md §6.
var DefaultLinkConfig = LinkConfig{
	Name:              "default",
	ListenAddr:        "0.0.0.0:1090",
	IdleLifetime:      60 * time.Second,
	MaxSendQueueDepth: 1024,
	MaxMessageSize:    8192,
}

// DefaultWhitelistConfig runs as a permissive non-service-node by
// default: no whitelist is enforced until the RPC bridge delivers one.
var DefaultWhitelistConfig = WhitelistConfig{
	IsServiceNode:   false,
	UseWhitelist:    false,
	StrictConnect:   []string{},
	RefreshInterval: 30 * time.Minute,
	LookupTimeout:   5 * time.Second,
	ExploreInterval: 1 * time.Minute,
}

// DefaultTUNConfig leaves Range empty so configure-time falls back to
// DetectFreeRange.
var DefaultTUNConfig = TUNConfig{
	IfName:          "meshnet0",
	Range:           "",
	ActivityTimeout: 10 * time.Minute,
	DNSUpstreams:    []string{"9.9.9.9:53", "1.1.1.1:53"},
}

// DefaultRPCConfig points at a local blockchain daemon RPC endpoint.
// PingInterval matches the daemon's documented 30s cadence (spec §6).
var DefaultRPCConfig = RPCConfig{
	Endpoint:              "http://127.0.0.1:22023/json_rpc",
	PingInterval:          30 * time.Second,
	WhitelistPollInterval: 2 * time.Minute,
}

// DefaultPerformanceConfig governs the daemon's periodic tick cadence
// (spec §2: "periodic ticks (every ~100ms) drive each component's
// maintenance").
type PerformanceConfig struct {
	// TickInterval is how often the event loop drives maintenance
	// across Link Manager, RC Lookup, Service Endpoints, and TUN.
	TickInterval time.Duration
	// WorkerPoolSize is the size of the loop.WorkerPool handling
	// CPU-bound cryptography off the event loop (it caps concurrency of
	// RunBatch; Submit is not capped).
	WorkerPoolSize int
}

var DefaultPerformanceConfig = PerformanceConfig{
	TickInterval:   100 * time.Millisecond,
	WorkerPoolSize: 4,
}
