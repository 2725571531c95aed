// Package service is the operation facade behind both API servers. It owns
// the handle table mapping opaque client tokens to VM instances, performs
// permission checks against kernel-verified caller identity, and maps
// internal errors to their transport form.
package service

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/cid"
	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/disk"
	"github.com/projecteru2/vessel/idsig"
	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/types"
)

// ErrUnknownHandle is returned when a presented handle token is not in the
// table: never issued, or already released.
var ErrUnknownHandle = errors.New("unknown VM handle")

// Service implements the vessel operations.
type Service struct {
	conf      *config.Config
	registry  *registry.Registry
	allocator *cid.Allocator
	composer  disk.Composer

	mu      sync.Mutex
	handles map[string]*instance.VM

	// dial overrides the instance vsock dialer (tests). Nil uses AF_VSOCK.
	dial instance.Dialer
}

// New creates the service facade.
func New(conf *config.Config, reg *registry.Registry, alloc *cid.Allocator, composer disk.Composer) *Service {
	return &Service{
		conf:      conf,
		registry:  reg,
		allocator: alloc,
		composer:  composer,
		handles:   map[string]*instance.VM{},
	}
}

// SetDialer overrides the guest transport dialer used by new instances.
// Nil keeps AF_VSOCK. Intended for tests and alternate transports.
func (s *Service) SetDialer(d instance.Dialer) {
	s.dial = d
}

// Registry exposes the VM registry for the bridge and GC.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// CreateVMResult is returned by CreateVM.
type CreateVMResult struct {
	Handle string    `json:"handle"`
	Cid    types.Cid `json:"cid"`
}

// CreateVM allocates a CID, assembles the declared disks, and registers a
// new instance in NotStarted state. The returned handle token is the
// caller's owning reference; releasing the last one destroys the VM.
func (s *Service) CreateVM(ctx context.Context, caller types.Caller, conf types.VMConfig) (*CreateVMResult, error) {
	logger := log.WithFunc("service.CreateVM")

	if err := s.checkManage(caller); err != nil {
		return nil, wrapErr(err)
	}
	if conf.Kernel == "" && conf.Bootloader == "" {
		return nil, newError(KindArgument, "VM config needs a kernel or a bootloader")
	}

	vmCid, err := s.allocator.Next(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := s.conf.EnsureVMDirs(vmCid); err != nil {
		return nil, wrapErr(err)
	}
	tempDir := s.conf.VMTempDir(vmCid)

	assembler := disk.NewAssembler(tempDir, s.composer)
	disks := make([]*disk.File, 0, len(conf.Disks))
	cleanup := func() {
		for _, d := range disks {
			_ = d.File.Close()
		}
		assembler.CloseIndirect()
		_ = os.RemoveAll(tempDir)
	}
	for i := range conf.Disks {
		f, err := assembler.Assemble(ctx, &conf.Disks[i])
		if err != nil {
			cleanup()
			return nil, wrapErr(err)
		}
		disks = append(disks, f)
	}

	consoleLog := conf.ConsoleLog
	if consoleLog == "" {
		consoleLog = s.conf.VMConsoleLog(vmCid)
	}

	vm := instance.New(instance.Options{
		Cid:        vmCid,
		Config:     conf,
		TempDir:    tempDir,
		Requester:  caller,
		Disks:      disks,
		Indirect:   assembler.IndirectFiles(),
		VMMBinary:  s.conf.VMMBinary,
		ConsoleLog: consoleLog,
		Dial:       s.dial,
	})

	token := uuid.NewString()
	vm.Retain()
	s.registry.Add(vm)
	s.mu.Lock()
	s.handles[token] = vm
	s.mu.Unlock()

	logger.Infof(ctx, "created VM %s with CID %d for uid %d", conf.Name, vmCid, caller.UID)
	return &CreateVMResult{Handle: token, Cid: vmCid}, nil
}

// lookup resolves a handle token to its VM and checks ownership.
func (s *Service) lookup(caller types.Caller, handle string) (*instance.VM, error) {
	s.mu.Lock()
	vm, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return nil, wrapErr(ErrUnknownHandle)
	}
	if err := s.checkOwner(caller, vm); err != nil {
		return nil, wrapErr(err)
	}
	return vm, nil
}

// Start launches the VM behind the handle.
func (s *Service) Start(ctx context.Context, caller types.Caller, handle string) error {
	vm, err := s.lookup(caller, handle)
	if err != nil {
		return err
	}
	if err := vm.Start(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Release drops the owning handle. The last release kills the VM and
// removes its temporary directory.
func (s *Service) Release(ctx context.Context, caller types.Caller, handle string) error {
	vm, err := s.lookup(caller, handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.handles, handle)
	s.mu.Unlock()
	vm.Release(ctx)
	return nil
}

// ConnectVsock opens a transport connection to a guest port of the VM.
func (s *Service) ConnectVsock(ctx context.Context, caller types.Caller, handle string, port uint32) (net.Conn, error) {
	vm, err := s.lookup(caller, handle)
	if err != nil {
		return nil, err
	}
	conn, err := vm.Connect(ctx, port)
	if err != nil {
		return nil, wrapErr(err)
	}
	return conn, nil
}

// RegisterCallback subscribes a listener to the VM's lifecycle events.
// Valid in any state.
func (s *Service) RegisterCallback(caller types.Caller, handle string, cb instance.Callback) error {
	vm, err := s.lookup(caller, handle)
	if err != nil {
		return err
	}
	vm.Callbacks.Add(cb)
	return nil
}

// GetCid reports the VM's CID.
func (s *Service) GetCid(caller types.Caller, handle string) (types.Cid, error) {
	vm, err := s.lookup(caller, handle)
	if err != nil {
		return 0, err
	}
	return vm.Cid, nil
}

// GetState reports the flattened externally visible state.
func (s *Service) GetState(caller types.Caller, handle string) (types.ExternalState, error) {
	vm, err := s.lookup(caller, handle)
	if err != nil {
		return "", err
	}
	return vm.ExternalState(), nil
}

// InitializeWritablePartition creates (or resets) a writable partition
// image at a caller-supplied path.
func (s *Service) InitializeWritablePartition(_ context.Context, caller types.Caller, path string, size int64, ptype types.PartitionType) error {
	if err := s.checkManage(caller); err != nil {
		return wrapErr(err)
	}
	if err := disk.InitWritablePartition(path, size, ptype); err != nil {
		return wrapErr(err)
	}
	return nil
}

// CreateOrUpdateIdsigFile writes the digest file for an application image.
func (s *Service) CreateOrUpdateIdsigFile(_ context.Context, caller types.Caller, inputPath, idsigPath string) error {
	if err := s.checkManage(caller); err != nil {
		return wrapErr(err)
	}
	if err := idsig.CreateOrUpdate(inputPath, idsigPath); err != nil {
		return wrapErr(err)
	}
	return nil
}

// DebugListVms reports every live VM, including debug-held ones.
func (s *Service) DebugListVms(caller types.Caller) ([]types.DebugInfo, error) {
	if err := s.checkDebug(caller); err != nil {
		return nil, wrapErr(err)
	}
	vms := s.registry.List()
	out := make([]types.DebugInfo, 0, len(vms))
	for _, vm := range vms {
		out = append(out, vm.DebugInfo())
	}
	return out, nil
}

// DebugHoldVmRef pins the VM behind the handle so it survives its clients.
func (s *Service) DebugHoldVmRef(caller types.Caller, handle string) error {
	if err := s.checkDebug(caller); err != nil {
		return wrapErr(err)
	}
	s.mu.Lock()
	vm, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return wrapErr(ErrUnknownHandle)
	}
	if err := s.registry.Hold(vm.Cid); err != nil {
		return wrapErr(err)
	}
	return nil
}

// DebugDropVmRef releases a previously held VM reference by CID.
func (s *Service) DebugDropVmRef(ctx context.Context, caller types.Caller, vmCid types.Cid) error {
	if err := s.checkDebug(caller); err != nil {
		return wrapErr(err)
	}
	if err := s.registry.Drop(ctx, vmCid); err != nil {
		return wrapErr(err)
	}
	return nil
}
