package service

import (
	"fmt"
	"slices"

	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/types"
)

// checkManage verifies the caller may create and control VMs. Root always
// may; other uids must be listed in the configuration.
func (s *Service) checkManage(caller types.Caller) error {
	if caller.UID == 0 || slices.Contains(s.conf.ManageUIDs, caller.UID) {
		return nil
	}
	return newError(KindPermission, fmt.Sprintf("uid %d may not manage VMs", caller.UID))
}

// checkDebug verifies the caller may use the debug surface.
func (s *Service) checkDebug(caller types.Caller) error {
	if caller.UID == 0 || (s.conf.DebugUID != 0 && caller.UID == s.conf.DebugUID) {
		return nil
	}
	return newError(KindPermission, fmt.Sprintf("uid %d may not use debug calls", caller.UID))
}

// checkOwner verifies the caller may act on a handle it presents. The handle
// token is the capability; the uid check keeps a leaked token from crossing
// user boundaries.
func (s *Service) checkOwner(caller types.Caller, vm *instance.VM) error {
	if caller.UID == 0 || caller.UID == vm.Requester.UID {
		return nil
	}
	return newError(KindPermission, fmt.Sprintf("uid %d does not own this VM", caller.UID))
}
