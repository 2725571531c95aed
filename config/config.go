package config

import (
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global vessel configuration.
type Config struct {
	// RootDir is the base directory for persistent data (CID counter).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir is the base directory for runtime state (API socket, PID
	// file, per-VM temporary directories).
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir is the base directory for per-VM console logs.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`

	// VMMBinary is the virtual machine monitor launched per VM. It must
	// also provide the create_composite subcommand used for composite
	// disk assembly.
	VMMBinary string `json:"vmm_binary" mapstructure:"vmm_binary"`

	// PoolSize is the goroutine pool size for bridge connection handling.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// ManageUIDs are uids (besides root) allowed to manage VMs.
	ManageUIDs []uint32 `json:"manage_uids" mapstructure:"manage_uids"`
	// DebugUID is the single non-root uid allowed to use debug calls.
	// Zero means root only.
	DebugUID uint32 `json:"debug_uid" mapstructure:"debug_uid"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:   "/var/lib/vessel",
		RunDir:    "/run/vessel",
		LogDir:    "/var/log/vessel",
		VMMBinary: "crosvm",
		PoolSize:  runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}
