// Package bridge accepts payload stream connections from guests and
// attaches them to the matching VM instance. Guests connect out to the
// host's stream port as soon as the payload process launches; the stream
// is later handed to callbacks when the payload reports started.
package bridge

import (
	"context"
	"errors"
	"net"

	"github.com/mdlayher/vsock"
	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/types"
)

// Bridge routes incoming guest connections by their peer CID.
type Bridge struct {
	registry *registry.Registry
	pool     *ants.Pool
}

// New creates a bridge over the given registry. poolSize bounds the number
// of connections being attached concurrently.
func New(reg *registry.Registry, poolSize int) (*Bridge, error) {
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Bridge{registry: reg, pool: pool}, nil
}

// Serve runs the accept loop until the listener is closed.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.WithFunc("bridge.Serve")
	logger.Infof(ctx, "accepting payload streams on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := b.pool.Submit(func() { b.handle(ctx, conn) }); err != nil {
			logger.Warnf(ctx, "stream worker pool rejected connection: %v", err)
			_ = conn.Close()
		}
	}
}

// Close releases the worker pool.
func (b *Bridge) Close() {
	b.pool.Release()
}

func (b *Bridge) handle(ctx context.Context, conn net.Conn) {
	logger := log.WithFunc("bridge.handle")

	cid, ok := peerCid(conn)
	if !ok {
		logger.Warnf(ctx, "dropping stream without a vsock peer address from %v", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	vm, err := b.registry.Get(cid)
	if err != nil {
		logger.Warnf(ctx, "dropping stream from unknown CID %d: %v", cid, err)
		_ = conn.Close()
		return
	}

	logger.Infof(ctx, "payload stream attached for CID %d", cid)
	vm.AttachStream(conn)
}

// peerCid extracts the guest CID from the connection's peer address.
func peerCid(conn net.Conn) (types.Cid, bool) {
	addr, ok := conn.RemoteAddr().(*vsock.Addr)
	if !ok {
		return 0, false
	}
	return types.Cid(addr.ContextID), true
}
