package types

// DiskImage declares one disk attached to a VM: either a single backing
// image, or an ordered list of partitions assembled into a composite disk.
// Declaring both is rejected before any file I/O.
type DiskImage struct {
	// Image is the path of a single backing image.
	Image string `json:"image,omitempty"`
	// Partitions, when non-empty, are composed into a composite disk in
	// the given order.
	Partitions []Partition `json:"partitions,omitempty"`
	// Writable marks the disk writable by the guest.
	Writable bool `json:"writable,omitempty"`
}

// Partition is one constituent of a composite disk.
type Partition struct {
	Label    string `json:"label"`
	Path     string `json:"path"`
	Writable bool   `json:"writable,omitempty"`
}

// PartitionType selects the on-disk format written by
// initializeWritablePartition.
type PartitionType string

const (
	// PartitionRaw leaves the partition as zero-filled raw space.
	PartitionRaw PartitionType = "raw"
	// PartitionVMInstance formats the partition with the vessel instance
	// header (magic string + 2-byte little-endian version).
	PartitionVMInstance PartitionType = "vm-instance"
)
