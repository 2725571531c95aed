package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/vessel/types"
)

// InstanceMagic is the header magic of a vessel instance partition,
// followed by a 2-byte little-endian format version.
const InstanceMagic = "vessel-vm-instance"

// InstanceVersion is the current instance partition format version.
const InstanceVersion uint16 = 1

var (
	// ErrInvalidSize is returned for a non-positive partition size.
	ErrInvalidSize = errors.New("partition size must be positive")
	// ErrUnsupportedPartitionType is returned for unknown partition types.
	ErrUnsupportedPartitionType = errors.New("unsupported partition type")
)

// InitWritablePartition formats the file at path as an empty writable
// partition of the given size. RAW partitions are sparse zeroes; VM instance
// partitions additionally carry the instance header.
func InitWritablePartition(path string, size int64, ptype types.PartitionType) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	switch ptype {
	case types.PartitionRaw, types.PartitionVMInstance:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPartitionType, ptype)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // caller-supplied target
	if err != nil {
		return fmt.Errorf("open partition %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate partition: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("size partition: %w", err)
	}

	if ptype == types.PartitionVMInstance {
		header := make([]byte, 0, len(InstanceMagic)+2)
		header = append(header, InstanceMagic...)
		header = binary.LittleEndian.AppendUint16(header, InstanceVersion)
		if _, err := f.WriteAt(header, 0); err != nil {
			return fmt.Errorf("write instance header: %w", err)
		}
	}

	return f.Sync()
}
