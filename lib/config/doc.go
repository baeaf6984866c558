// Package config provides configuration management for the meshnet router.
//
// # Configuration Directories
//
// BaseDir vs WorkingDir: the router uses two separate directory paths to
// distinguish between read-only system defaults and mutable runtime state:
//
// BaseDir: contains read-only default configuration files that ship with
// the system. These provide fallback values and should not be modified at
// runtime.
//   - Default location: $HOME/.meshnet/base
//   - Purpose: system-wide defaults, pristine copies of configuration templates
//
// WorkingDir: contains runtime-modifiable configuration and state. The
// router reads and writes its state files in WorkingDir only; BaseDir is
// carried in RouterConfig but no file lookup falls back to it.
//   - Default location: $HOME/.meshnet/config
//   - Purpose: user customizations, the RC/session store (lib/rcstore), logs
package config
