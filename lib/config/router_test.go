package config

import "testing"

func TestDefaultRouterConfig_PopulatesEverySection(t *testing.T) {
	cfg := DefaultRouterConfig()

	if cfg.Link == nil || cfg.Whitelist == nil || cfg.Bootstrap == nil || cfg.TUN == nil || cfg.RPC == nil {
		t.Fatalf("DefaultRouterConfig left a section nil: %+v", cfg)
	}
	if cfg.BaseDir == "" || cfg.WorkingDir == "" {
		t.Errorf("DefaultRouterConfig left BaseDir/WorkingDir empty")
	}
}

func TestDefaultLinkConfig_MatchesSpecConstants(t *testing.T) {
	if DefaultLinkConfig.MaxMessageSize != 8192 {
		t.Errorf("MaxMessageSize = %d, want 8192", DefaultLinkConfig.MaxMessageSize)
	}
	if DefaultLinkConfig.MaxSendQueueDepth != 1024 {
		t.Errorf("MaxSendQueueDepth = %d, want 1024", DefaultLinkConfig.MaxSendQueueDepth)
	}
}

func TestWhitelistConfig_ServiceNodeModeIsOptIn(t *testing.T) {
	if DefaultWhitelistConfig.IsServiceNode {
		t.Error("DefaultWhitelistConfig.IsServiceNode should default to false")
	}
	if DefaultWhitelistConfig.UseWhitelist {
		t.Error("DefaultWhitelistConfig.UseWhitelist should default to false (permissive)")
	}
}
