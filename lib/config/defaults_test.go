package config

import (
	"testing"
	"time"
)

func TestDefaultLinkConfig(t *testing.T) {
	if DefaultLinkConfig.IdleLifetime != 60*time.Second {
		t.Errorf("IdleLifetime = %v, want 60s", DefaultLinkConfig.IdleLifetime)
	}
	if DefaultLinkConfig.Name == "" {
		t.Error("Name should not be empty")
	}
}

func TestDefaultWhitelistConfig(t *testing.T) {
	if DefaultWhitelistConfig.LookupTimeout != 5*time.Second {
		t.Errorf("LookupTimeout = %v, want 5s", DefaultWhitelistConfig.LookupTimeout)
	}
	if DefaultWhitelistConfig.StrictConnect == nil {
		t.Error("StrictConnect should be initialized, not nil")
	}
}

func TestDefaultTUNConfig(t *testing.T) {
	if len(DefaultTUNConfig.DNSUpstreams) == 0 {
		t.Error("DNSUpstreams should have at least one resolver")
	}
	if DefaultTUNConfig.ActivityTimeout <= 0 {
		t.Error("ActivityTimeout must be positive")
	}
}

func TestDefaultRPCConfig(t *testing.T) {
	if DefaultRPCConfig.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s (spec §6)", DefaultRPCConfig.PingInterval)
	}
	if DefaultRPCConfig.Endpoint == "" {
		t.Error("Endpoint should not be empty")
	}
}

func TestDefaultPerformanceConfig(t *testing.T) {
	if DefaultPerformanceConfig.TickInterval != 100*time.Millisecond {
		t.Errorf("TickInterval = %v, want 100ms (spec §2)", DefaultPerformanceConfig.TickInterval)
	}
	if DefaultPerformanceConfig.WorkerPoolSize <= 0 {
		t.Error("WorkerPoolSize must be positive")
	}
}
