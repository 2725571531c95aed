package server

import (
	"context"
	"net"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/vessel/types"
)

type callerKey struct{}

// withCaller stores the kernel-verified caller identity in the connection
// context. Identity never comes from request content.
func withCaller(ctx context.Context, caller types.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// callerFrom returns the caller attached to the connection. The zero value
// means the transport provided no identity; permission checks then apply to
// uid 0 only if the transport genuinely runs as root, so handlers must
// treat the second return as authoritative.
func callerFrom(ctx context.Context) (types.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(types.Caller)
	return caller, ok
}

// connCaller is the ConnContext hook for the host unix socket. It reads
// SO_PEERCRED and SO_PEERSEC from the accepted connection.
func connCaller(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ctx
	}

	var caller types.Caller
	var credErr error
	ctlErr := raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			credErr = err
			return
		}
		caller.UID = ucred.Uid
		caller.PID = ucred.Pid

		// SO_PEERSEC is absent without an LSM; identity still stands.
		if sid, err := unix.GetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_PEERSEC); err == nil {
			caller.SID = strings.TrimRight(sid, "\x00")
		}
	})
	if ctlErr != nil || credErr != nil {
		log.WithFunc("server.connCaller").Warnf(ctx, "peer credentials unavailable: %v %v", ctlErr, credErr)
		return ctx
	}
	return withCaller(ctx, caller)
}
