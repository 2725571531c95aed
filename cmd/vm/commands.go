package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	State(cmd *cobra.Command, args []string) error
	Cid(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Connect(cmd *cobra.Command, args []string) error
	Watch(cmd *cobra.Command, args []string) error
	Release(cmd *cobra.Command, args []string) error
	Hold(cmd *cobra.Command, args []string) error
	Drop(cmd *cobra.Command, args []string) error
}

// Commands builds the "vm" parent command with all subcommands.
func Commands(h Actions) []*cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a VM and print its handle",
		RunE:  h.Create,
	}
	createCmd.Flags().String("name", "", "VM name")
	createCmd.Flags().String("kernel", "", "kernel image path")
	createCmd.Flags().String("initrd", "", "initrd path")
	createCmd.Flags().String("bootloader", "", "bootloader path")
	createCmd.Flags().String("params", "", "kernel command line")
	createCmd.Flags().String("memory", "", "memory size (e.g. 512M, 2G)")
	createCmd.Flags().Bool("protected", false, "run as a protected VM")
	createCmd.Flags().StringArray("disk", nil, "disk image path, PATH[:rw], repeatable")
	createCmd.Flags().String("console-log", "", "console log path (default per-VM log dir)")

	startCmd := &cobra.Command{
		Use:   "start HANDLE",
		Short: "Start a created VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Start,
	}

	stateCmd := &cobra.Command{
		Use:   "state HANDLE",
		Short: "Show the VM state",
		Args:  cobra.ExactArgs(1),
		RunE:  h.State,
	}

	cidCmd := &cobra.Command{
		Use:   "cid HANDLE",
		Short: "Show the VM's guest CID",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Cid,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List live VMs",
		RunE:    h.List,
	}

	connectCmd := &cobra.Command{
		Use:   "connect HANDLE PORT",
		Short: "Attach the terminal to a guest vsock port",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Connect,
	}

	watchCmd := &cobra.Command{
		Use:   "watch HANDLE",
		Short: "Stream VM lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Watch,
	}

	releaseCmd := &cobra.Command{
		Use:     "release HANDLE [HANDLE...]",
		Aliases: []string{"rm"},
		Short:   "Release VM handle(s); the last release destroys the VM",
		Args:    cobra.MinimumNArgs(1),
		RunE:    h.Release,
	}

	holdCmd := &cobra.Command{
		Use:   "hold HANDLE",
		Short: "Pin a VM past its clients (debug)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Hold,
	}

	dropCmd := &cobra.Command{
		Use:   "drop CID",
		Short: "Drop a pinned VM reference (debug)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Drop,
	}

	vmCmd.AddCommand(
		createCmd,
		startCmd,
		stateCmd,
		cidCmd,
		listCmd,
		connectCmd,
		watchCmd,
		releaseCmd,
		holdCmd,
		dropCmd,
	)
	return []*cobra.Command{vmCmd}
}
