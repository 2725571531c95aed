// Package instance implements the per-VM lifecycle and payload state
// machine. Each VM owns its VMM child process, its disk file handles, its
// registered callbacks, and an optional payload stream attached by the
// bridge.
package instance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mdlayher/vsock"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/disk"
	"github.com/projecteru2/vessel/types"
)

var (
	// ErrAlreadyStarted is returned by Start outside NotStarted.
	ErrAlreadyStarted = errors.New("VM has already been started")
	// ErrNotRunning is returned by Connect while the VM is not running.
	ErrNotRunning = errors.New("VM is not running")
	// ErrInvalidTransition is returned for payload notifications that do
	// not strictly advance the payload state.
	ErrInvalidTransition = errors.New("invalid payload state transition")
)

// Dialer opens a transport connection to a guest port.
type Dialer func(cid types.Cid, port uint32) (net.Conn, error)

// Options carries everything needed to construct a VM.
type Options struct {
	Cid       types.Cid
	Config    types.VMConfig
	TempDir   string
	Requester types.Caller

	// Disks are the assembled disk handles, in attachment order.
	Disks []*disk.File
	// Indirect are files referenced from composite images. They are not
	// named on the child's command line but must stay open (and mapped to
	// the child) for its entire lifetime.
	Indirect []*os.File

	// VMMBinary is the monitor executable launched by Start.
	VMMBinary string
	// ConsoleLog receives guest console output; empty discards it.
	ConsoleLog string

	// Dial overrides the vsock dialer (tests). Nil uses AF_VSOCK.
	Dial Dialer
}

// VM is one virtual machine instance for its entire lifetime.
//
// Lock discipline: mu guards the VM lifecycle state and child handle;
// payloadMu guards the payload state; streamMu guards the stream slot. The
// three are never held together, and none may be held while acquiring the
// registry lock.
type VM struct {
	Cid       types.Cid
	Config    types.VMConfig
	TempDir   string
	Requester types.Caller

	Callbacks *Callbacks

	mu      sync.Mutex
	vmState types.VMState
	child   *exec.Cmd
	console *os.File

	payloadMu    sync.Mutex
	payloadState types.PayloadState

	streamMu sync.Mutex
	stream   net.Conn

	disks    []*disk.File
	indirect []*os.File

	// refs counts owning handles. The instance is torn down when it
	// drops to zero.
	refs atomic.Int32

	vmmBinary  string
	consoleLog string
	dial       Dialer
}

// New creates a VM in NotStarted state with no owning handles.
func New(opts Options) *VM {
	vm := &VM{
		Cid:        opts.Cid,
		Config:     opts.Config,
		TempDir:    opts.TempDir,
		Requester:  opts.Requester,
		Callbacks:  &Callbacks{},
		vmState:    types.VMStateNotStarted,
		disks:      opts.Disks,
		indirect:   opts.Indirect,
		vmmBinary:  opts.VMMBinary,
		consoleLog: opts.ConsoleLog,
		dial:       opts.Dial,
	}
	if vm.dial == nil {
		vm.dial = func(cid types.Cid, port uint32) (net.Conn, error) {
			return vsock.Dial(uint32(cid), port, nil)
		}
	}
	return vm
}

// VMState returns the current lifecycle state.
func (vm *VM) VMState() types.VMState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.vmState
}

// PayloadState returns the current guest-reported payload state.
func (vm *VM) PayloadState() types.PayloadState {
	vm.payloadMu.Lock()
	defer vm.payloadMu.Unlock()
	return vm.payloadState
}

// ExternalState returns the flattened externally visible state.
func (vm *VM) ExternalState() types.ExternalState {
	return types.ExternalStateOf(vm.VMState(), vm.PayloadState())
}

// Start launches the VMM child process. Only valid from NotStarted; a
// launch failure moves the VM to Failed and is never retried.
func (vm *VM) Start(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.vmState != types.VMStateNotStarted {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, vm.vmState)
	}

	cmd, console, err := vm.buildCommand(ctx)
	if err != nil {
		vm.vmState = types.VMStateFailed
		return err
	}
	if err := cmd.Start(); err != nil {
		if console != nil {
			_ = console.Close()
		}
		vm.vmState = types.VMStateFailed
		return fmt.Errorf("launch %s for CID %d: %w", vm.vmmBinary, vm.Cid, err)
	}

	vm.child = cmd
	vm.console = console
	vm.vmState = types.VMStateRunning
	go vm.monitor(cmd)
	return nil
}

// Connect opens a new transport connection to the guest on the given port.
func (vm *VM) Connect(_ context.Context, port uint32) (net.Conn, error) {
	vm.mu.Lock()
	running := vm.vmState == types.VMStateRunning
	vm.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	conn, err := vm.dial(vm.Cid, port)
	if err != nil {
		return nil, fmt.Errorf("connect to CID %d port %d: %w", vm.Cid, port, err)
	}
	return conn, nil
}

// AdvancePayload applies a guest-reported payload transition. The new state
// must be the immediate successor of the current one; anything else is
// rejected without mutating state.
func (vm *VM) AdvancePayload(next types.PayloadState) error {
	vm.payloadMu.Lock()
	defer vm.payloadMu.Unlock()

	if next != vm.payloadState+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, vm.payloadState, next)
	}
	vm.payloadState = next
	return nil
}

// AttachStream installs the payload stream for this VM, replacing (and
// closing) any stale previous one.
func (vm *VM) AttachStream(conn net.Conn) {
	vm.streamMu.Lock()
	prev := vm.stream
	vm.stream = conn
	vm.streamMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// TakeStream removes and returns the attached payload stream, if any.
func (vm *VM) TakeStream() net.Conn {
	vm.streamMu.Lock()
	defer vm.streamMu.Unlock()
	conn := vm.stream
	vm.stream = nil
	return conn
}

// Kill tears the VM down, best-effort. It does not wait for the child to
// exit and never returns an error; failures are logged. The monitor
// goroutine performs the Dead transition bookkeeping for running VMs; for
// VMs that never had a child (NotStarted, Failed) Kill closes the disk
// handles and fans out the death event itself.
func (vm *VM) Kill(ctx context.Context) {
	logger := log.WithFunc("instance.Kill")

	notifyDied := false
	vm.mu.Lock()
	switch vm.vmState {
	case types.VMStateRunning:
		if vm.child != nil && vm.child.Process != nil {
			if err := vm.child.Process.Kill(); err != nil {
				logger.Warnf(ctx, "kill VMM for CID %d: %v", vm.Cid, err)
			}
		}
		vm.vmState = types.VMStateDead
	case types.VMStateNotStarted, types.VMStateFailed:
		vm.vmState = types.VMStateDead
		vm.closeFilesLocked()
		notifyDied = true
	}
	vm.mu.Unlock()

	if notifyDied {
		vm.Callbacks.NotifyDied(ctx, vm.Cid)
	}
}

// Retain adds an owning handle.
func (vm *VM) Retain() {
	vm.refs.Add(1)
}

// Release drops an owning handle. When the last one goes, the VM is killed
// and its temporary directory removed.
func (vm *VM) Release(ctx context.Context) {
	if vm.refs.Add(-1) > 0 {
		return
	}
	vm.Kill(ctx)
	if conn := vm.TakeStream(); conn != nil {
		_ = conn.Close()
	}
	if vm.TempDir != "" {
		if err := os.RemoveAll(vm.TempDir); err != nil {
			log.WithFunc("instance.Release").Warnf(ctx, "remove temp dir %s: %v", vm.TempDir, err)
		}
	}
}

// RefCount returns the current owning-handle count.
func (vm *VM) RefCount() int32 {
	return vm.refs.Load()
}

// DebugInfo reports this VM for the debug listing.
func (vm *VM) DebugInfo() types.DebugInfo {
	return types.DebugInfo{
		Cid:          vm.Cid,
		TempDir:      vm.TempDir,
		RequesterUID: vm.Requester.UID,
		RequesterSID: vm.Requester.SID,
		RequesterPID: vm.Requester.PID,
		State:        vm.ExternalState(),
	}
}

// monitor waits for the child to exit, finalizes the lifecycle state, and
// fans out the death notification.
func (vm *VM) monitor(cmd *exec.Cmd) {
	ctx := context.Background()
	err := cmd.Wait()
	log.WithFunc("instance.monitor").Infof(ctx, "VMM for CID %d exited: %v", vm.Cid, err)

	vm.mu.Lock()
	if vm.vmState == types.VMStateRunning {
		vm.vmState = types.VMStateDead
	}
	vm.child = nil
	vm.closeFilesLocked()
	vm.mu.Unlock()

	if conn := vm.TakeStream(); conn != nil {
		_ = conn.Close()
	}
	vm.Callbacks.NotifyDied(ctx, vm.Cid)
}

// closeFilesLocked releases the disk and indirect file handles. Only safe
// once the child can no longer read them: never started, or exited.
func (vm *VM) closeFilesLocked() {
	if vm.console != nil {
		_ = vm.console.Close()
		vm.console = nil
	}
	for _, d := range vm.disks {
		if d.File != nil {
			_ = d.File.Close()
		}
	}
	vm.disks = nil
	for _, f := range vm.indirect {
		_ = f.Close()
	}
	vm.indirect = nil
}
