package daemon

import (
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/vsock"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vessel/bridge"
	"github.com/projecteru2/vessel/cid"
	cmdcore "github.com/projecteru2/vessel/cmd/core"
	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/disk"
	"github.com/projecteru2/vessel/gc"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/server"
	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
	"github.com/projecteru2/vessel/utils"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Daemon runs the host API, the guest API, the payload stream bridge, and
// the temp-dir sweeper until the process is signaled.
func (h Handler) Daemon(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.daemon")

	if err := conf.EnsureDirs(); err != nil {
		return err
	}
	if err := claimPIDFile(conf); err != nil {
		return err
	}
	defer os.Remove(conf.DaemonPIDFile()) //nolint:errcheck

	reg := registry.New()
	svc := service.New(conf, reg, cid.New(conf), &disk.ExecComposer{Binary: conf.VMMBinary})

	br, err := bridge.New(reg, conf.PoolSize)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	defer br.Close()

	// A leftover socket from an unclean shutdown blocks the bind.
	_ = os.Remove(conf.APISocket())
	apiLn, err := net.Listen("unix", conf.APISocket())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", conf.APISocket(), err)
	}
	notifyLn, err := vsock.Listen(types.NotificationPort, nil)
	if err != nil {
		_ = apiLn.Close()
		return fmt.Errorf("listen on vsock port %d: %w", types.NotificationPort, err)
	}
	streamLn, err := vsock.Listen(types.StreamPort, nil)
	if err != nil {
		_ = apiLn.Close()
		_ = notifyLn.Close()
		return fmt.Errorf("listen on vsock port %d: %w", types.StreamPort, err)
	}

	logger.Infof(ctx, "vessel daemon up, API %s, notify %d, stream %d",
		conf.APISocket(), types.NotificationPort, types.StreamPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.NewHost(svc).Serve(gctx, apiLn) })
	g.Go(func() error { return server.NewGuest(svc).Serve(gctx, notifyLn) })
	g.Go(func() error { return br.Serve(gctx, streamLn) })
	g.Go(func() error { return gc.New(conf, reg).Run(gctx) })
	g.Go(func() error {
		// The bridge loop only stops when its listener closes.
		<-gctx.Done()
		_ = streamLn.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Infof(ctx, "vessel daemon shut down")
	return nil
}

// claimPIDFile refuses to start when another live daemon holds the PID file.
func claimPIDFile(conf *config.Config) error {
	if pid, err := utils.ReadPIDFile(conf.DaemonPIDFile()); err == nil && utils.IsProcessAlive(pid) {
		return fmt.Errorf("another vessel daemon is running (pid %d)", pid)
	}
	return utils.WritePIDFile(conf.DaemonPIDFile(), os.Getpid())
}
