package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"

	"github.com/oxenmesh/meshnet/lib/util"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const MESHNET_BASE_DIR = ".meshnet"

func InitConfig() {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildMeshnetDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	handleConfigFile()
	UpdateRouterConfig()
}

func setDefaults() {
	viper.SetDefault("base_dir", DefaultRouterConfig().BaseDir)
	viper.SetDefault("working_dir", DefaultRouterConfig().WorkingDir)

	viper.SetDefault("link.name", DefaultLinkConfig.Name)
	viper.SetDefault("link.listen_addr", DefaultLinkConfig.ListenAddr)
	viper.SetDefault("link.idle_lifetime", DefaultLinkConfig.IdleLifetime)
	viper.SetDefault("link.max_send_queue_depth", DefaultLinkConfig.MaxSendQueueDepth)
	viper.SetDefault("link.max_message_size", DefaultLinkConfig.MaxMessageSize)

	viper.SetDefault("whitelist.is_service_node", DefaultWhitelistConfig.IsServiceNode)
	viper.SetDefault("whitelist.use_whitelist", DefaultWhitelistConfig.UseWhitelist)
	viper.SetDefault("whitelist.strict_connect", DefaultWhitelistConfig.StrictConnect)
	viper.SetDefault("whitelist.refresh_interval", DefaultWhitelistConfig.RefreshInterval)
	viper.SetDefault("whitelist.lookup_timeout", DefaultWhitelistConfig.LookupTimeout)
	viper.SetDefault("whitelist.explore_interval", DefaultWhitelistConfig.ExploreInterval)

	viper.SetDefault("bootstrap.low_peer_threshold", DefaultBootstrapConfig.LowPeerThreshold)
	viper.SetDefault("bootstrap.seeds", []BootstrapSeed{})

	viper.SetDefault("tun.if_name", DefaultTUNConfig.IfName)
	viper.SetDefault("tun.range", DefaultTUNConfig.Range)
	viper.SetDefault("tun.activity_timeout", DefaultTUNConfig.ActivityTimeout)
	viper.SetDefault("tun.dns_upstreams", DefaultTUNConfig.DNSUpstreams)

	viper.SetDefault("rpc.endpoint", DefaultRPCConfig.Endpoint)
	viper.SetDefault("rpc.ping_interval", DefaultRPCConfig.PingInterval)
	viper.SetDefault("rpc.whitelist_poll_interval", DefaultRPCConfig.WhitelistPollInterval)
}

// NewRouterConfigFromViper creates a new RouterConfig from current viper
// settings. Preferred over reading the RouterConfigProperties global.
func NewRouterConfigFromViper() *RouterConfig {
	var seeds []BootstrapSeed
	if err := viper.UnmarshalKey("bootstrap.seeds", &seeds); err != nil {
		log.Warnf("Error parsing bootstrap seeds: %s", err)
		seeds = []BootstrapSeed{}
	}

	return &RouterConfig{
		BaseDir:    viper.GetString("base_dir"),
		WorkingDir: viper.GetString("working_dir"),
		Link: &LinkConfig{
			Name:              viper.GetString("link.name"),
			ListenAddr:        viper.GetString("link.listen_addr"),
			IdleLifetime:      viper.GetDuration("link.idle_lifetime"),
			MaxSendQueueDepth: viper.GetInt("link.max_send_queue_depth"),
			MaxMessageSize:    viper.GetInt("link.max_message_size"),
		},
		Whitelist: &WhitelistConfig{
			IsServiceNode:   viper.GetBool("whitelist.is_service_node"),
			UseWhitelist:    viper.GetBool("whitelist.use_whitelist"),
			StrictConnect:   viper.GetStringSlice("whitelist.strict_connect"),
			RefreshInterval: viper.GetDuration("whitelist.refresh_interval"),
			LookupTimeout:   viper.GetDuration("whitelist.lookup_timeout"),
			ExploreInterval: viper.GetDuration("whitelist.explore_interval"),
		},
		Bootstrap: &BootstrapConfig{
			LowPeerThreshold: viper.GetInt("bootstrap.low_peer_threshold"),
			Seeds:            seeds,
		},
		TUN: &TUNConfig{
			IfName:          viper.GetString("tun.if_name"),
			Range:           viper.GetString("tun.range"),
			ActivityTimeout: viper.GetDuration("tun.activity_timeout"),
			DNSUpstreams:    viper.GetStringSlice("tun.dns_upstreams"),
		},
		RPC: &RPCConfig{
			Endpoint:              viper.GetString("rpc.endpoint"),
			PingInterval:          viper.GetDuration("rpc.ping_interval"),
			WhitelistPollInterval: viper.GetDuration("rpc.whitelist_poll_interval"),
		},
	}
}

// UpdateRouterConfig refreshes the global RouterConfigProperties from
// viper settings.
//
// Deprecated: use NewRouterConfigFromViper to avoid global state mutation.
func UpdateRouterConfig() {
	*RouterConfigProperties = *NewRouterConfigFromViper()
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}
	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}
	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildMeshnetDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func BuildMeshnetDirPath() string {
	return filepath.Join(util.UserHome(), MESHNET_BASE_DIR)
}
