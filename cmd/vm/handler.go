package vm

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/projecteru2/vessel/client"
	cmdcore "github.com/projecteru2/vessel/cmd/core"
	"github.com/projecteru2/vessel/console"
	"github.com/projecteru2/vessel/server"
	"github.com/projecteru2/vessel/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initClient is the shared init for all subcommands.
func (h Handler) initClient(cmd *cobra.Command) (context.Context, *client.Client, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	return ctx, cmdcore.NewClient(conf), nil
}

// vmConfigFromFlags builds the creation request from the create flags.
func vmConfigFromFlags(cmd *cobra.Command) (types.VMConfig, error) {
	name, _ := cmd.Flags().GetString("name")
	kernel, _ := cmd.Flags().GetString("kernel")
	initrd, _ := cmd.Flags().GetString("initrd")
	bootloader, _ := cmd.Flags().GetString("bootloader")
	params, _ := cmd.Flags().GetString("params")
	memStr, _ := cmd.Flags().GetString("memory")
	protected, _ := cmd.Flags().GetBool("protected")
	diskSpecs, _ := cmd.Flags().GetStringArray("disk")
	consoleLog, _ := cmd.Flags().GetString("console-log")

	memory, err := cmdcore.MemoryMiB(memStr)
	if err != nil {
		return types.VMConfig{}, err
	}

	disks := make([]types.DiskImage, 0, len(diskSpecs))
	for _, spec := range diskSpecs {
		path, mode, found := strings.Cut(spec, ":")
		if found && mode != "rw" {
			return types.VMConfig{}, fmt.Errorf("invalid --disk %q, want PATH or PATH:rw", spec)
		}
		disks = append(disks, types.DiskImage{Image: path, Writable: found})
	}

	return types.VMConfig{
		Name:       name,
		Kernel:     kernel,
		Initrd:     initrd,
		Bootloader: bootloader,
		Params:     params,
		MemoryMiB:  memory,
		Protected:  protected,
		Disks:      disks,
		ConsoleLog: consoleLog,
	}, nil
}

func (h Handler) Create(cmd *cobra.Command, _ []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	conf, err := vmConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	created, err := c.CreateVM(ctx, conf)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger := log.WithFunc("cmd.create")
	logger.Infof(ctx, "VM created: CID %d", created.Cid)
	logger.Infof(ctx, "start with: vessel vm start %s", created.Handle)
	fmt.Println(created.Handle)
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	if err := c.Start(ctx, args[0]); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.WithFunc("cmd.start").Infof(ctx, "started: %s", args[0])
	return nil
}

func (h Handler) State(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	state, err := c.State(ctx, args[0])
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	fmt.Println(state)
	return nil
}

func (h Handler) Cid(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	cid, err := c.Cid(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cid: %w", err)
	}
	fmt.Println(cid)
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	infos, err := c.DebugListVms(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CID\tSTATE\tUID\tPID\tTEMP DIR")
	for _, info := range infos {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
			info.Cid,
			info.State,
			info.RequesterUID,
			info.RequesterPID,
			info.TempDir,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Connect(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	handle := args[0]
	port, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	conn, err := c.Connect(ctx, handle, uint32(port))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "\r\nDisconnected from port %d.\r\n", port)
	}()

	fmt.Fprintf(os.Stderr, "Connected to guest port %d (escape: ^]).\r\n", port)
	if err := console.Relay(ctx, os.Stdin, os.Stdout, conn); err != nil {
		fmt.Fprintf(os.Stderr, "\r\nrelay error: %v\r\n", err)
	}
	return nil
}

func (h Handler) Watch(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	return c.Events(ctx, args[0], func(ev server.Event) error {
		if ev.ExitCode != nil {
			fmt.Printf("%s cid=%d exit_code=%d\n", ev.Event, ev.Cid, *ev.ExitCode)
		} else {
			fmt.Printf("%s cid=%d\n", ev.Event, ev.Cid)
		}
		return nil
	})
}

func (h Handler) Release(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.release")
	for _, handle := range args {
		if err := c.Release(ctx, handle); err != nil {
			return fmt.Errorf("release %s: %w", handle, err)
		}
		logger.Infof(ctx, "released: %s", handle)
	}
	return nil
}

func (h Handler) Hold(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	if err := c.DebugHoldVmRef(ctx, args[0]); err != nil {
		return fmt.Errorf("hold: %w", err)
	}
	log.WithFunc("cmd.hold").Infof(ctx, "held: %s", args[0])
	return nil
}

func (h Handler) Drop(cmd *cobra.Command, args []string) error {
	ctx, c, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	cid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid CID %q: %w", args[0], err)
	}
	if err := c.DebugDropVmRef(ctx, types.Cid(cid)); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	log.WithFunc("cmd.drop").Infof(ctx, "dropped CID %d", cid)
	return nil
}
