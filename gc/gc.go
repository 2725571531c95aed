// Package gc sweeps per-VM temporary directories left behind by crashed
// daemons. A directory is stale when no live instance owns its CID and it
// has not been touched for a while.
package gc

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/types"
	"github.com/projecteru2/vessel/utils"
)

// Interval is the period between sweeps.
const Interval = time.Hour

// Sweeper removes stale per-VM temp directories.
type Sweeper struct {
	conf     *config.Config
	registry *registry.Registry
}

// New creates a Sweeper over the registry's live set.
func New(conf *config.Config, reg *registry.Registry) *Sweeper {
	return &Sweeper{conf: conf, registry: reg}
}

// Run sweeps once immediately, then once per Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Sweep(ctx)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every stale directory under the VM temp root.
func (s *Sweeper) Sweep(ctx context.Context) {
	logger := log.WithFunc("gc.Sweep")

	removed, errs := utils.RemoveMatching(s.conf.VMTempRoot(), s.stale)
	for _, path := range removed {
		logger.Infof(ctx, "removed stale VM temp dir %s", path)
	}
	for _, err := range errs {
		logger.Warnf(ctx, "sweep: %v", err)
	}
}

// stale reports whether a temp-root entry belongs to no live VM and is old
// enough to be an orphan rather than a VM mid-creation.
func (s *Sweeper) stale(e os.DirEntry) bool {
	if !e.IsDir() {
		// Stray files under the temp root are never vessel's.
		return false
	}
	cid, err := strconv.ParseUint(e.Name(), 10, 32)
	if err != nil {
		return false
	}
	if _, err := s.registry.Get(types.Cid(cid)); err == nil {
		return false
	}
	info, err := e.Info()
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > utils.StaleTempAge
}
