package service

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/types"
)

// guestVM resolves a notification to its VM, requiring the notifying
// connection's peer CID to match the CID it names. A guest can only speak
// for itself.
func (s *Service) guestVM(peer, vmCid types.Cid) (*instance.VM, error) {
	if peer != vmCid {
		return nil, newError(KindPermission, fmt.Sprintf("peer CID %d may not notify for CID %d", peer, vmCid))
	}
	v, err := s.registry.Get(vmCid)
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

// NotifyPayloadStarted records that the payload process has launched. The
// stream attached by the bridge, if any, is handed to the callbacks.
func (s *Service) NotifyPayloadStarted(ctx context.Context, peer, vmCid types.Cid) error {
	vm, err := s.guestVM(peer, vmCid)
	if err != nil {
		return err
	}
	if err := vm.AdvancePayload(types.PayloadStarted); err != nil {
		return wrapErr(err)
	}
	log.WithFunc("service.NotifyPayloadStarted").Infof(ctx, "payload started for CID %d", vmCid)
	vm.Callbacks.NotifyStarted(ctx, vmCid, vm.TakeStream())
	return nil
}

// NotifyPayloadReady records that the payload is ready to serve.
func (s *Service) NotifyPayloadReady(ctx context.Context, peer, vmCid types.Cid) error {
	vm, err := s.guestVM(peer, vmCid)
	if err != nil {
		return err
	}
	if err := vm.AdvancePayload(types.PayloadReady); err != nil {
		return wrapErr(err)
	}
	vm.Callbacks.NotifyReady(ctx, vmCid)
	return nil
}

// NotifyPayloadFinished records the payload's exit.
func (s *Service) NotifyPayloadFinished(ctx context.Context, peer, vmCid types.Cid, exitCode int32) error {
	vm, err := s.guestVM(peer, vmCid)
	if err != nil {
		return err
	}
	if err := vm.AdvancePayload(types.PayloadFinished); err != nil {
		return wrapErr(err)
	}
	vm.Callbacks.NotifyFinished(ctx, vmCid, exitCode)
	return nil
}
