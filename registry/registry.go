// Package registry tracks live VM instances by CID. The registry itself
// holds non-owning references; instances stay alive through the owning
// handles held by clients (and, for debugging, by the held set).
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/types"
)

var (
	// ErrNotFound is returned when no live VM has the requested CID.
	ErrNotFound = errors.New("no VM with this CID")
	// ErrNotHeld is returned by Drop for a CID without a held reference.
	ErrNotHeld = errors.New("VM is not held")
)

// Registry is the process-wide table of VM instances.
//
// Lock discipline: instance locks are never taken while the registry
// mutex is held (RefCount and Retain are lock-free and exempt).
type Registry struct {
	mu   sync.Mutex
	vms  []*instance.VM
	held map[types.Cid]*instance.VM
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		held: map[types.Cid]*instance.VM{},
	}
}

// Add records a new instance. Entries whose owning handles are all gone
// are pruned on the way, keeping the table bounded by the number of live
// VMs rather than the number ever created.
func (r *Registry) Add(vm *instance.VM) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.vms[:0]
	for _, v := range r.vms {
		if v.RefCount() > 0 {
			live = append(live, v)
		}
	}
	r.vms = append(live, vm)
}

// Get returns the live VM with the given CID. Entries without owning
// handles are invisible: they are already torn down or about to be.
func (r *Registry) Get(cid types.Cid) (*instance.VM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.vms {
		if v.Cid == cid && v.RefCount() > 0 {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// List snapshots the live instances.
func (r *Registry) List() []*instance.VM {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*instance.VM, 0, len(r.vms))
	for _, v := range r.vms {
		if v.RefCount() > 0 {
			out = append(out, v)
		}
	}
	return out
}

// Hold takes an extra owning handle on the VM with the given CID and parks
// it in the held set, keeping the instance alive after its clients drop
// theirs. Holding an already-held CID is a no-op. The lookup and the Retain
// happen under one acquisition of the mutex so a concurrent last Release
// cannot tear the instance down in between.
func (r *Registry) Hold(cid types.Cid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.held[cid]; ok {
		return nil
	}
	for _, v := range r.vms {
		if v.Cid == cid && v.RefCount() > 0 {
			v.Retain()
			r.held[cid] = v
			return nil
		}
	}
	return ErrNotFound
}

// Drop releases the held reference for the given CID.
func (r *Registry) Drop(ctx context.Context, cid types.Cid) error {
	r.mu.Lock()
	vm, ok := r.held[cid]
	delete(r.held, cid)
	r.mu.Unlock()

	if !ok {
		return ErrNotHeld
	}
	log.WithFunc("registry.Drop").Infof(ctx, "dropping held reference for CID %d", cid)
	vm.Release(ctx)
	return nil
}

// HeldCids lists the CIDs currently pinned by the held set.
func (r *Registry) HeldCids() []types.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Cid, 0, len(r.held))
	for cid := range r.held {
		out = append(out, cid)
	}
	return out
}
