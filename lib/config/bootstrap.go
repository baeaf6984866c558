package config

// DefaultBootstrapConfig seeds a fresh node with no pinned entry points by
// default; operators are expected to supply a real Seeds list for their
// network. LowPeerThreshold matches the teacher's original reseed
// threshold of 10.
var DefaultBootstrapConfig = BootstrapConfig{
	LowPeerThreshold: 10,
	Seeds:            []BootstrapSeed{},
}
