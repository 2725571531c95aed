package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/types"
)

// guestConn wraps a pipe end with a vsock peer address.
type guestConn struct {
	net.Conn
	cid uint32
}

func (c *guestConn) RemoteAddr() net.Addr {
	return &vsock.Addr{ContextID: c.cid, Port: types.StreamPort}
}

// pipeListener hands out queued connections like a real listener.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn, 8), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	close(l.closed)
	return nil
}

func (l *pipeListener) Addr() net.Addr { return &vsock.Addr{ContextID: uint32(types.HostCid), Port: types.StreamPort} }

func TestServeAttachesKnownCid(t *testing.T) {
	reg := registry.New()
	vm := instance.New(instance.Options{Cid: 10, TempDir: t.TempDir()})
	vm.Retain()
	reg.Add(vm)

	b, err := New(reg, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ln := newPipeListener()
	done := make(chan error, 1)
	go func() { done <- b.Serve(context.Background(), ln) }()

	host, guest := net.Pipe()
	defer guest.Close()
	ln.conns <- &guestConn{Conn: host, cid: 10}

	deadline := time.Now().Add(5 * time.Second)
	var got net.Conn
	for got == nil && time.Now().Before(deadline) {
		got = vm.TakeStream()
		if got == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if got == nil {
		t.Fatal("stream never attached")
	}
	got.Close()

	ln.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v after listener close", err)
	}
}

func TestServeDropsUnknownCidAndContinues(t *testing.T) {
	reg := registry.New()
	vm := instance.New(instance.Options{Cid: 11, TempDir: t.TempDir()})
	vm.Retain()
	reg.Add(vm)

	b, err := New(reg, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ln := newPipeListener()
	go b.Serve(context.Background(), ln) //nolint:errcheck
	defer ln.Close()

	// Unknown CID: closed, loop keeps running.
	strayHost, strayGuest := net.Pipe()
	ln.conns <- &guestConn{Conn: strayHost, cid: 99}

	strayGuest.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	if _, err := strayGuest.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("stray connection read = %v, want EOF from close", err)
	}

	// A legitimate guest still gets through afterwards.
	host, guest := net.Pipe()
	defer guest.Close()
	ln.conns <- &guestConn{Conn: host, cid: 11}

	deadline := time.Now().Add(5 * time.Second)
	for vm.TakeStream() == nil {
		if time.Now().After(deadline) {
			t.Fatal("stream not attached after a dropped connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeDropsNonVsockPeer(t *testing.T) {
	b, err := New(registry.New(), 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ln := newPipeListener()
	go b.Serve(context.Background(), ln) //nolint:errcheck
	defer ln.Close()

	host, guest := net.Pipe()
	ln.conns <- host // RemoteAddr is a pipe address, not vsock

	guest.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	if _, err := guest.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("non-vsock connection read = %v, want EOF from close", err)
	}
}
