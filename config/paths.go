package config

import (
	"fmt"
	"path/filepath"

	"github.com/projecteru2/vessel/types"
	"github.com/projecteru2/vessel/utils"
)

// EnsureDirs creates all static directories the daemon needs at startup.
// Per-VM temp and log directories are created on demand via EnsureVMDirs.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.RootDir,
		c.RunDir,
		c.vmTempRoot(),
		c.vmLogRoot(),
	)
}

// EnsureVMDirs creates the per-VM temp and log directories.
func (c *Config) EnsureVMDirs(cid types.Cid) error {
	return utils.EnsureDirs(
		c.VMTempDir(cid),
		c.VMLogDir(cid),
	)
}

func (c *Config) vmTempRoot() string { return filepath.Join(c.RunDir, "vm") }
func (c *Config) vmLogRoot() string  { return filepath.Join(c.LogDir, "vm") }

// VMTempRoot is the parent of all per-VM temporary directories. Exported for
// the GC sweep.
func (c *Config) VMTempRoot() string { return c.vmTempRoot() }

// VMTempDir is the working directory holding one VM's generated disk files
// (zero filler, composite images). Removed when the instance is destroyed.
func (c *Config) VMTempDir(cid types.Cid) string {
	return filepath.Join(c.vmTempRoot(), fmt.Sprintf("%d", cid))
}

// VMLogDir holds one VM's console log.
func (c *Config) VMLogDir(cid types.Cid) string {
	return filepath.Join(c.vmLogRoot(), fmt.Sprintf("%d", cid))
}

// VMConsoleLog is the default console log path for a VM.
func (c *Config) VMConsoleLog(cid types.Cid) string {
	return filepath.Join(c.VMLogDir(cid), "console.log")
}

// LastCidFile and LastCidLock are the persisted CID counter paths.
func (c *Config) LastCidFile() string { return filepath.Join(c.RootDir, "last_cid") }
func (c *Config) LastCidLock() string { return filepath.Join(c.RootDir, "last_cid.lock") }

// APISocket is the host API unix socket path.
func (c *Config) APISocket() string { return filepath.Join(c.RunDir, "api.sock") }

// DaemonPIDFile is the daemon's own PID file.
func (c *Config) DaemonPIDFile() string { return filepath.Join(c.RunDir, "vesseld.pid") }
