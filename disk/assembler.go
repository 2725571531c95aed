// Package disk turns declarative per-VM disk specifications into open file
// handles usable by the VMM child process. Multi-partition specs are
// assembled into composite disk images in the VM's temporary directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/vessel/types"
)

// ZeroFillerSize is the size of zero.img. Gaps between partitions in a
// composite disk are filled from this shared file.
const ZeroFillerSize = 4096

var (
	// ErrConflictingSpec is returned for a disk declaring both a backing
	// image and partitions.
	ErrConflictingSpec = errors.New("disk spec contains both image and partitions")
	// ErrEmptySpec is returned for a disk declaring neither.
	ErrEmptySpec = errors.New("disk spec contains neither image nor partitions")
)

// File is one open disk handle for the VMM child.
type File struct {
	File     *os.File
	Writable bool
}

// CompositeFileSet holds the three deterministically named paths produced
// for one composite disk.
type CompositeFileSet struct {
	Composite string
	Header    string
	Footer    string
}

// Assembler builds the disk files for a single VM creation request. It is
// not safe for concurrent use; each createVm call constructs its own.
type Assembler struct {
	tempDir  string
	composer Composer

	// nextImageID numbers composite file sets within this request so
	// repeated assemblies never collide.
	nextImageID uint64
	zeroFiller  string

	indirect []*os.File
}

// NewAssembler creates an Assembler writing generated files under tempDir.
func NewAssembler(tempDir string, composer Composer) *Assembler {
	return &Assembler{tempDir: tempDir, composer: composer}
}

// Assemble produces the open File for one declared disk.
//
// Partition files opened for a composite disk are recorded as indirect
// files: the composite image references them by path, so they must stay
// open for the VM's entire running lifetime even though they are not passed
// to the child directly.
func (a *Assembler) Assemble(ctx context.Context, img *types.DiskImage) (*File, error) {
	switch {
	case len(img.Partitions) > 0 && img.Image != "":
		return nil, ErrConflictingSpec
	case len(img.Partitions) == 0 && img.Image == "":
		return nil, ErrEmptySpec
	case len(img.Partitions) > 0:
		return a.assembleComposite(ctx, img)
	default:
		f, err := openDisk(img.Image, img.Writable)
		if err != nil {
			return nil, err
		}
		return &File{File: f, Writable: img.Writable}, nil
	}
}

func (a *Assembler) assembleComposite(ctx context.Context, img *types.DiskImage) (*File, error) {
	filler, err := a.ensureZeroFiller()
	if err != nil {
		return nil, err
	}

	fs := a.nextFileSet()
	if err := a.composer.Compose(ctx, img.Partitions, filler, fs); err != nil {
		return nil, fmt.Errorf("compose %s: %w", fs.Composite, err)
	}

	composite, err := openDisk(fs.Composite, img.Writable)
	if err != nil {
		return nil, err
	}

	// The constituent partition files back the composite image; keep them
	// open until the VM dies.
	for _, p := range img.Partitions {
		pf, err := openDisk(p.Path, p.Writable)
		if err != nil {
			_ = composite.Close()
			a.CloseIndirect()
			return nil, err
		}
		a.indirect = append(a.indirect, pf)
	}

	return &File{File: composite, Writable: img.Writable}, nil
}

// IndirectFiles returns the partition files referenced by composite images
// assembled so far. Ownership transfers to the caller.
func (a *Assembler) IndirectFiles() []*os.File {
	files := a.indirect
	a.indirect = nil
	return files
}

// CloseIndirect closes any accumulated indirect files. Used on the failure
// path of a creation request.
func (a *Assembler) CloseIndirect() {
	for _, f := range a.indirect {
		_ = f.Close()
	}
	a.indirect = nil
}

// nextFileSet returns fresh composite file paths. IDs are scoped to this
// single creation request.
func (a *Assembler) nextFileSet() CompositeFileSet {
	id := a.nextImageID
	a.nextImageID++
	return CompositeFileSet{
		Composite: filepath.Join(a.tempDir, fmt.Sprintf("composite-%d.img", id)),
		Header:    filepath.Join(a.tempDir, fmt.Sprintf("composite-%d-header.img", id)),
		Footer:    filepath.Join(a.tempDir, fmt.Sprintf("composite-%d-footer.img", id)),
	}
}

// ensureZeroFiller creates zero.img once per creation request and reuses it
// across all composite assemblies within the request.
func (a *Assembler) ensureZeroFiller() (string, error) {
	if a.zeroFiller != "" {
		return a.zeroFiller, nil
	}
	path := filepath.Join(a.tempDir, "zero.img")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("create zero filler: %w", err)
	}
	defer f.Close() //nolint:errcheck
	if err := f.Truncate(ZeroFillerSize); err != nil {
		return "", fmt.Errorf("size zero filler: %w", err)
	}
	a.zeroFiller = path
	return path, nil
}

func openDisk(path string, writable bool) (*os.File, error) {
	mode := os.O_RDONLY
	if writable {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(path, mode, 0) //nolint:gosec // caller-supplied disk path
	if err != nil {
		return nil, fmt.Errorf("open disk %s: %w", path, err)
	}
	return f, nil
}
