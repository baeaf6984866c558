package config

import "testing"

func TestDefaultBootstrapConfig_LowPeerThreshold(t *testing.T) {
	if DefaultBootstrapConfig.LowPeerThreshold != 10 {
		t.Errorf("DefaultBootstrapConfig.LowPeerThreshold should be 10, got %d",
			DefaultBootstrapConfig.LowPeerThreshold)
	}
}

func TestDefaultBootstrapConfig_NoSeedsByDefault(t *testing.T) {
	if len(DefaultBootstrapConfig.Seeds) != 0 {
		t.Errorf("DefaultBootstrapConfig.Seeds should be empty by default, got %d", len(DefaultBootstrapConfig.Seeds))
	}
}

func TestBootstrapConfig_SeedsAccessible(t *testing.T) {
	cfg := BootstrapConfig{
		LowPeerThreshold: 5,
		Seeds: []BootstrapSeed{
			{RouterID: "aa", Addr: "203.0.113.1:1090"},
			{RouterID: "bb", Addr: "203.0.113.2:1090"},
		},
	}
	if len(cfg.Seeds) != 2 {
		t.Fatalf("Seeds not set correctly, got %d", len(cfg.Seeds))
	}
	if cfg.Seeds[0].RouterID != "aa" || cfg.Seeds[1].Addr != "203.0.113.2:1090" {
		t.Errorf("Seeds contents incorrect: %+v", cfg.Seeds)
	}
}

func TestBootstrapConfigViperRoundTrip(t *testing.T) {
	InitConfig()

	cfg := NewRouterConfigFromViper()
	if cfg.Bootstrap == nil {
		t.Fatal("Bootstrap config should not be nil")
	}
	if cfg.Bootstrap.LowPeerThreshold != DefaultBootstrapConfig.LowPeerThreshold {
		t.Errorf("LowPeerThreshold = %d, want %d", cfg.Bootstrap.LowPeerThreshold, DefaultBootstrapConfig.LowPeerThreshold)
	}
}

func TestBootstrapConfigUpdateRoundTrip(t *testing.T) {
	InitConfig()
	UpdateRouterConfig()

	bootstrap := RouterConfigProperties.Bootstrap
	if bootstrap == nil {
		t.Fatal("Bootstrap config should not be nil after UpdateRouterConfig")
	}
	if bootstrap.LowPeerThreshold != DefaultBootstrapConfig.LowPeerThreshold {
		t.Errorf("LowPeerThreshold = %d, want %d", bootstrap.LowPeerThreshold, DefaultBootstrapConfig.LowPeerThreshold)
	}
}
