package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/projecteru2/vessel/types"
)

// fakeComposer records Compose calls and creates the composite file so the
// assembler can open it.
type fakeComposer struct {
	calls []CompositeFileSet
	fail  error
}

func (c *fakeComposer) Compose(_ context.Context, _ []types.Partition, zeroFiller string, files CompositeFileSet) error {
	if c.fail != nil {
		return c.fail
	}
	if _, err := os.Stat(zeroFiller); err != nil {
		return err
	}
	c.calls = append(c.calls, files)
	return os.WriteFile(files.Composite, []byte("composite"), 0o600)
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAssembleRejectsConflictingSpec(t *testing.T) {
	dir := t.TempDir()
	comp := &fakeComposer{}
	a := NewAssembler(dir, comp)

	img := &types.DiskImage{
		Image:      writeFile(t, dir, "root.img"),
		Partitions: []types.Partition{{Label: "p", Path: writeFile(t, dir, "p.img")}},
	}
	if _, err := a.Assemble(context.Background(), img); !errors.Is(err, ErrConflictingSpec) {
		t.Fatalf("Assemble = %v, want ErrConflictingSpec", err)
	}
	if len(comp.calls) != 0 {
		t.Error("composer was invoked for a rejected spec")
	}
	// No zero filler or composite files may be created before validation.
	if _, err := os.Stat(filepath.Join(dir, "zero.img")); !os.IsNotExist(err) {
		t.Error("zero filler created for a rejected spec")
	}
}

func TestAssembleRejectsEmptySpec(t *testing.T) {
	a := NewAssembler(t.TempDir(), &fakeComposer{})
	if _, err := a.Assemble(context.Background(), &types.DiskImage{}); !errors.Is(err, ErrEmptySpec) {
		t.Fatalf("Assemble = %v, want ErrEmptySpec", err)
	}
}

func TestAssembleSingleImage(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(dir, &fakeComposer{})

	img := &types.DiskImage{Image: writeFile(t, dir, "root.img"), Writable: true}
	f, err := a.Assemble(context.Background(), img)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer f.File.Close()

	if !f.Writable {
		t.Error("disk not marked writable")
	}
	if len(a.IndirectFiles()) != 0 {
		t.Error("single image produced indirect files")
	}
}

func TestAssembleCompositeCountersNeverCollide(t *testing.T) {
	dir := t.TempDir()
	comp := &fakeComposer{}
	a := NewAssembler(dir, comp)

	part := types.Partition{Label: "sys", Path: writeFile(t, dir, "sys.img")}
	for i := 0; i < 3; i++ {
		f, err := a.Assemble(context.Background(), &types.DiskImage{Partitions: []types.Partition{part}})
		if err != nil {
			t.Fatalf("Assemble #%d: %v", i, err)
		}
		f.File.Close()
	}

	if len(comp.calls) != 3 {
		t.Fatalf("composer calls = %d, want 3", len(comp.calls))
	}
	seen := map[string]bool{}
	for _, fs := range comp.calls {
		for _, p := range []string{fs.Composite, fs.Header, fs.Footer} {
			if seen[p] {
				t.Errorf("composite path %s reused", p)
			}
			seen[p] = true
		}
	}

	// The zero filler is shared: created once, fixed size.
	info, err := os.Stat(filepath.Join(dir, "zero.img"))
	if err != nil {
		t.Fatalf("zero filler missing: %v", err)
	}
	if info.Size() != ZeroFillerSize {
		t.Errorf("zero filler size = %d, want %d", info.Size(), ZeroFillerSize)
	}

	// Each partition file handle is retained for the VM's lifetime.
	indirect := a.IndirectFiles()
	if len(indirect) != 3 {
		t.Errorf("indirect files = %d, want 3", len(indirect))
	}
	for _, f := range indirect {
		f.Close()
	}
}
