package types

// Cid is the vsock context identifier assigned to one guest VM. It is unique
// among live instances and monotonically increasing across the host's uptime.
type Cid uint32

const (
	// HostCid is the well-known vsock CID of the host itself.
	HostCid Cid = 2
	// FirstGuestCid is the CID assigned to the first guest when no counter
	// has been persisted yet.
	FirstGuestCid Cid = 10
)

const (
	// NotificationPort is the vsock port on which the host accepts payload
	// lifecycle notifications from guests.
	NotificationPort = 5000
	// StreamPort is the vsock port on which the host accepts raw payload
	// output streams from guests.
	StreamPort = 3000
)

// VMState is the host-side lifecycle state of the VMM child process.
type VMState int

const (
	VMStateNotStarted VMState = iota // created, child not yet launched
	VMStateRunning                   // child process alive
	VMStateDead                      // child exited or was killed (terminal)
	VMStateFailed                    // launch failed (terminal)
)

func (s VMState) String() string {
	switch s {
	case VMStateNotStarted:
		return "not-started"
	case VMStateRunning:
		return "running"
	case VMStateDead:
		return "dead"
	case VMStateFailed:
		return "failed"
	}
	return "unknown"
}

// PayloadState is the guest-reported progress of the workload inside the VM,
// distinct from process liveness. States are strictly ordered; a notification
// may only advance the state forward.
type PayloadState int

const (
	PayloadStarting PayloadState = iota
	PayloadStarted
	PayloadReady
	PayloadFinished
)

func (s PayloadState) String() string {
	switch s {
	case PayloadStarting:
		return "starting"
	case PayloadStarted:
		return "started"
	case PayloadReady:
		return "ready"
	case PayloadFinished:
		return "finished"
	}
	return "unknown"
}

// ExternalState is the single flattened state surfaced to clients. Both Dead
// and Failed map to DEAD.
type ExternalState string

const (
	StateNotStarted ExternalState = "NOT_STARTED"
	StateStarting   ExternalState = "STARTING"
	StateStarted    ExternalState = "STARTED"
	StateReady      ExternalState = "READY"
	StateFinished   ExternalState = "FINISHED"
	StateDead       ExternalState = "DEAD"
)

// ExternalStateOf flattens the (VMState, PayloadState) pair into the
// externally visible state.
func ExternalStateOf(vm VMState, payload PayloadState) ExternalState {
	switch vm {
	case VMStateNotStarted:
		return StateNotStarted
	case VMStateRunning:
		switch payload {
		case PayloadStarted:
			return StateStarted
		case PayloadReady:
			return StateReady
		case PayloadFinished:
			return StateFinished
		default:
			return StateStarting
		}
	default:
		return StateDead
	}
}

// VMConfig describes one VM to be created. Boot artifacts are host paths
// supplied by the caller; disks are declarative and assembled by the disk
// package at creation time.
type VMConfig struct {
	Name       string      `json:"name,omitempty"`
	Kernel     string      `json:"kernel,omitempty"`
	Initrd     string      `json:"initrd,omitempty"`
	Bootloader string      `json:"bootloader,omitempty"`
	Params     string      `json:"params,omitempty"`
	MemoryMiB  uint32      `json:"memory_mib,omitempty"`
	Protected  bool        `json:"protected,omitempty"`
	Disks      []DiskImage `json:"disks,omitempty"`

	// ConsoleLog is an optional host path receiving the guest console
	// output. Empty means the console is discarded.
	ConsoleLog string `json:"console_log,omitempty"`
}

// DebugInfo is one entry of the debug VM listing.
type DebugInfo struct {
	Cid          Cid           `json:"cid"`
	TempDir      string        `json:"temp_dir"`
	RequesterUID uint32        `json:"requester_uid"`
	RequesterSID string        `json:"requester_sid"`
	RequesterPID int32         `json:"requester_pid"`
	State        ExternalState `json:"state"`
}
