package instance

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// buildCommand assembles the VMM invocation. Disk and indirect file handles
// are passed down as inherited fds; disks are named on the command line via
// /proc/self/fd so the child needs no path access to the backing files.
func (vm *VM) buildCommand(_ context.Context) (*exec.Cmd, *os.File, error) {
	args := []string{"run", "--cid", fmt.Sprintf("%d", vm.Cid)}

	var extra []*os.File
	nextFd := 3 // fds 0-2 are stdio; ExtraFiles start at 3
	for _, d := range vm.disks {
		flag := "--disk"
		if d.Writable {
			flag = "--rwdisk"
		}
		args = append(args, flag, fmt.Sprintf("/proc/self/fd/%d", nextFd))
		extra = append(extra, d.File)
		nextFd++
	}
	// Indirect files are mapped into the child unnamed; the composite
	// images reference them by path.
	extra = append(extra, vm.indirect...)

	if vm.Config.Bootloader != "" {
		args = append(args, "--bios", vm.Config.Bootloader)
	}
	if vm.Config.Initrd != "" {
		args = append(args, "--initrd", vm.Config.Initrd)
	}
	if vm.Config.Params != "" {
		args = append(args, "--params", vm.Config.Params)
	}
	if vm.Config.MemoryMiB > 0 {
		args = append(args, "--mem", fmt.Sprintf("%d", vm.Config.MemoryMiB))
	}
	if vm.Config.Protected {
		args = append(args, "--protected-vm")
	}

	var console *os.File
	if vm.consoleLog != "" {
		f, err := os.OpenFile(vm.consoleLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec
		if err != nil {
			return nil, nil, fmt.Errorf("open console log %s: %w", vm.consoleLog, err)
		}
		console = f
		args = append(args, "--serial", fmt.Sprintf("type=file,path=%s,console=true", vm.consoleLog))
	}

	if vm.Config.Kernel != "" {
		args = append(args, vm.Config.Kernel)
	}

	// Deliberately not CommandContext: the child must outlive the API
	// request that started it.
	cmd := exec.Command(vm.vmmBinary, args...) //nolint:gosec
	cmd.Dir = vm.TempDir
	cmd.ExtraFiles = extra
	// Own process group: a signal aimed at the daemon does not take the
	// guests down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if console != nil {
		cmd.Stdout = console
		cmd.Stderr = console
	}
	return cmd, console, nil
}
