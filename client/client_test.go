package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/projecteru2/vessel/cid"
	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/disk"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/server"
	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
)

type nopComposer struct{}

func (nopComposer) Compose(context.Context, []types.Partition, string, disk.CompositeFileSet) error {
	return nil
}

// startDaemon runs a host API server on a unix socket and returns a client
// plus the backing service.
func startDaemon(t *testing.T) (*Client, *service.Service) {
	t.Helper()
	base := t.TempDir()
	conf := config.DefaultConfig()
	conf.RootDir = filepath.Join(base, "lib")
	conf.RunDir = filepath.Join(base, "run")
	conf.LogDir = filepath.Join(base, "log")
	conf.VMMBinary = "/nonexistent/vmm"
	conf.ManageUIDs = []uint32{uint32(os.Getuid())}
	conf.DebugUID = uint32(os.Getuid())
	if err := conf.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	svc := service.New(conf, registry.New(), cid.New(conf), nopComposer{})

	ln, err := net.Listen("unix", conf.APISocket())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.NewHost(svc).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve = %v", err)
		}
	})

	return New(conf.APISocket()), svc
}

func TestClientVMLifecycle(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()

	created, err := c.CreateVM(ctx, types.VMConfig{Kernel: "/boot/kernel"})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if created.Cid != types.FirstGuestCid {
		t.Errorf("cid = %d, want %d", created.Cid, types.FirstGuestCid)
	}

	state, err := c.State(ctx, created.Handle)
	if err != nil || state != types.StateNotStarted {
		t.Errorf("State = %s, %v", state, err)
	}
	gotCid, err := c.Cid(ctx, created.Handle)
	if err != nil || gotCid != created.Cid {
		t.Errorf("Cid = %d, %v", gotCid, err)
	}

	infos, err := c.DebugListVms(ctx)
	if err != nil || len(infos) != 1 {
		t.Errorf("DebugListVms = %+v, %v", infos, err)
	}

	if err := c.Release(ctx, created.Handle); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := c.State(ctx, created.Handle); err == nil {
		t.Fatal("State on released handle succeeded")
	}
}

func TestClientSurfacesServiceErrors(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()

	_, err := c.CreateVM(ctx, types.VMConfig{})
	var svcErr *service.Error
	if !errors.As(err, &svcErr) || svcErr.Kind != service.KindArgument {
		t.Fatalf("CreateVM without boot artifact = %v, want argument error", err)
	}

	err = c.Start(ctx, "no-such-handle")
	if !errors.As(err, &svcErr) || svcErr.Kind != service.KindNotFound {
		t.Fatalf("Start unknown handle = %v, want not_found", err)
	}
}

func TestClientEvents(t *testing.T) {
	c, svc := startDaemon(t)
	ctx := context.Background()

	created, err := c.CreateVM(ctx, types.VMConfig{Kernel: "/boot/kernel"})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	got := make(chan server.Event, 1)
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Events(streamCtx, created.Handle, func(ev server.Event) error {
			got <- ev
			return nil
		})
	}()

	// Retry until the stream's listener is registered.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := svc.NotifyPayloadStarted(ctx, created.Cid, created.Cid); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("notify: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ev := <-got:
		if ev.Event != server.EventPayloadStarted || ev.Cid != created.Cid {
			t.Errorf("event = %+v", ev)
		}
	case err := <-errCh:
		t.Fatalf("Events = %v before any event", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestClientPartitionAndIdsig(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()
	dir := t.TempDir()

	part := filepath.Join(dir, "data.img")
	if err := c.InitializeWritablePartition(ctx, part, 1<<20, types.PartitionVMInstance); err != nil {
		t.Fatalf("InitializeWritablePartition: %v", err)
	}
	raw, err := os.ReadFile(part)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[:len(disk.InstanceMagic)]) != disk.InstanceMagic {
		t.Error("instance header missing")
	}

	apk := filepath.Join(dir, "app.apk")
	if err := os.WriteFile(apk, []byte("contents"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateOrUpdateIdsigFile(ctx, apk, apk+".idsig"); err != nil {
		t.Fatalf("CreateOrUpdateIdsigFile: %v", err)
	}
	if _, err := os.Stat(apk + ".idsig"); err != nil {
		t.Error("idsig not written")
	}
}

func TestClientConnect(t *testing.T) {
	c, svc := startDaemon(t)
	ctx := context.Background()

	svc.SetDialer(func(types.Cid, uint32) (net.Conn, error) {
		host, guest := net.Pipe()
		go func() {
			defer guest.Close()
			guest.Write([]byte("banner\n")) //nolint:errcheck
		}()
		return host, nil
	})

	created, err := c.CreateVM(ctx, types.VMConfig{Kernel: "/boot/kernel"})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	// Not running yet: the daemon refuses before hijacking.
	if _, err := c.Connect(ctx, created.Handle, 9000); err == nil {
		t.Fatal("Connect on not-started VM succeeded")
	}
	var svcErr *service.Error
	if _, err := c.Connect(ctx, created.Handle, 9000); !errors.As(err, &svcErr) || svcErr.Kind != service.KindIllegalState {
		t.Fatalf("Connect error = %v, want illegal_state", err)
	}
}
