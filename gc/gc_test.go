package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/registry"
)

func newTestSweeper(t *testing.T) (*Sweeper, *config.Config, *registry.Registry) {
	t.Helper()
	base := t.TempDir()
	conf := config.DefaultConfig()
	conf.RootDir = filepath.Join(base, "lib")
	conf.RunDir = filepath.Join(base, "run")
	conf.LogDir = filepath.Join(base, "log")
	if err := conf.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	return New(conf, reg), conf, reg
}

// makeTempDir creates a per-VM temp dir with the given age.
func makeTempDir(t *testing.T, conf *config.Config, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(conf.VMTempRoot(), name)
	if err := os.MkdirAll(path, 0o750); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweepRemovesOnlyStaleOrphans(t *testing.T) {
	s, conf, reg := newTestSweeper(t)

	// Live VM with an old temp dir: kept.
	liveDir := makeTempDir(t, conf, "10", 2*time.Hour)
	vm := instance.New(instance.Options{Cid: 10, TempDir: liveDir})
	vm.Retain()
	reg.Add(vm)

	// Orphaned and old: removed.
	staleDir := makeTempDir(t, conf, "11", 2*time.Hour)
	// Orphaned but fresh, likely a VM mid-creation: kept.
	freshDir := makeTempDir(t, conf, "12", time.Minute)
	// Not a CID-named directory: not vessel's to remove.
	alienDir := makeTempDir(t, conf, "scratch", 2*time.Hour)

	s.Sweep(context.Background())

	if _, err := os.Stat(liveDir); err != nil {
		t.Error("live VM temp dir was removed")
	}
	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Error("stale orphan survived the sweep")
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Error("fresh orphan was removed")
	}
	if _, err := os.Stat(alienDir); err != nil {
		t.Error("non-CID directory was removed")
	}
}

func TestSweepAfterRelease(t *testing.T) {
	s, conf, reg := newTestSweeper(t)

	dir := makeTempDir(t, conf, "10", 2*time.Hour)
	vm := instance.New(instance.Options{Cid: 10, TempDir: dir})
	vm.Retain()
	reg.Add(vm)

	s.Sweep(context.Background())
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("temp dir of live VM removed")
	}

	// Release removes the dir itself; a later sweep finds nothing left.
	vm.Release(context.Background())
	s.Sweep(context.Background())
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("temp dir present after release and sweep")
	}
}

func TestSweepMissingRootIsQuiet(t *testing.T) {
	s, conf, _ := newTestSweeper(t)
	if err := os.RemoveAll(conf.VMTempRoot()); err != nil {
		t.Fatal(err)
	}
	s.Sweep(context.Background())
}
