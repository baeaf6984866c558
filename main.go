package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"

	"github.com/oxenmesh/meshnet/lib/config"
	"github.com/oxenmesh/meshnet/lib/router"
	"github.com/oxenmesh/meshnet/lib/util/signals"
)

var log = logger.GetGoI2PLogger()

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the meshnetd CLI: running it with no subcommand
// starts the daemon against the configured (or default) RouterConfig;
// detect-free-range is a standalone utility exposing the same scan the
// daemon itself runs at configure time when tun.range is left blank.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meshnetd",
		Short: "meshnet onion-routing overlay daemon",
		RunE:  runDaemon,
	}
	cmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "path to config file (default: ~/.meshnet/config.yaml)")
	cmd.AddCommand(newDetectFreeRangeCommand())
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Debug("parsing meshnet router configuration")
	config.InitConfig()
	cfg := config.NewRouterConfigFromViper()
	log.WithField("working_dir", cfg.WorkingDir).Debug("starting up meshnet router")

	go signals.Handle()

	// This daemon's core routing subsystem leaves the transport links,
	// the DHT, the path-building service, and the encrypt-to-self AEAD
	// as externally supplied collaborators (spec.md §1 Non-goals); the
	// standalone binary built from this module alone runs relay-only
	// (Link Manager + RC Lookup + RPC bridge, no Service Endpoint)
	// until a host embeds it with router.Externals populated.
	r, err := router.CreateRouter(cfg, router.Externals{})
	if err != nil {
		log.WithError(err).Error("failed to create meshnet router")
		return err
	}

	signals.RegisterReloadHandler(func() {
		log.Warn("reload signal received; meshnetd does not yet support hot config reload")
	})
	signals.RegisterInterruptHandler(func() {
		r.Stop()
	})

	if err := r.Start(); err != nil {
		log.WithError(err).Error("failed to start meshnet router")
		return err
	}
	r.Wait()
	return r.Close()
}

func newDetectFreeRangeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect-free-range",
		Short: "scan local interfaces and print an unused private IPv4 /24 for tun.range",
		RunE: func(cmd *cobra.Command, args []string) error {
			found := router.DetectFreeRange()
			if found == "" {
				return fmt.Errorf("no free private IPv4 range found on any local interface")
			}
			fmt.Println(found)
			return nil
		},
	}
}
