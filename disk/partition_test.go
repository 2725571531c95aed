package disk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/projecteru2/vessel/types"
)

func TestInitWritablePartitionRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.img")

	if err := InitWritablePartition(path, 1<<20, types.PartitionRaw); err != nil {
		t.Fatalf("InitWritablePartition: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 1<<20 {
		t.Errorf("size = %d, want %d", info.Size(), 1<<20)
	}
}

func TestInitWritablePartitionInstanceHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.img")

	if err := InitWritablePartition(path, 4096, types.PartitionVMInstance); err != nil {
		t.Fatalf("InitWritablePartition: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte(InstanceMagic)) {
		t.Fatalf("missing instance magic, got %q", data[:32])
	}
	// 2-byte little-endian version follows the magic.
	v := data[len(InstanceMagic) : len(InstanceMagic)+2]
	if v[0] != 1 || v[1] != 0 {
		t.Errorf("version bytes = %v, want [1 0]", v)
	}
}

func TestInitWritablePartitionErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.img")

	if err := InitWritablePartition(path, 0, types.PartitionRaw); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("zero size: %v, want ErrInvalidSize", err)
	}
	if err := InitWritablePartition(path, 4096, types.PartitionType("exotic")); !errors.Is(err, ErrUnsupportedPartitionType) {
		t.Errorf("unknown type: %v, want ErrUnsupportedPartitionType", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected call created the target file")
	}
}
