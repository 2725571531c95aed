package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
)

// GuestServer serves payload lifecycle notifications from guests. The
// notifying guest is identified by its vsock peer CID, taken from the
// connection, never from the request body.
type GuestServer struct {
	svc *service.Service
}

// NewGuest creates the guest notification server.
func NewGuest(svc *service.Service) *GuestServer {
	return &GuestServer{svc: svc}
}

type peerKey struct{}

func withPeer(ctx context.Context, cid types.Cid) context.Context {
	return context.WithValue(ctx, peerKey{}, cid)
}

func peerFrom(ctx context.Context) (types.Cid, bool) {
	cid, ok := ctx.Value(peerKey{}).(types.Cid)
	return cid, ok
}

// connPeer is the ConnContext hook recording the guest CID.
func connPeer(ctx context.Context, c net.Conn) context.Context {
	if addr, ok := c.RemoteAddr().(*vsock.Addr); ok {
		return withPeer(ctx, types.Cid(addr.ContextID))
	}
	return ctx
}

// Handler builds the guest route table.
func (s *GuestServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /payload/started", s.notify(func(ctx context.Context, peer, cid types.Cid, _ int32) error {
		return s.svc.NotifyPayloadStarted(ctx, peer, cid)
	}))
	mux.HandleFunc("POST /payload/ready", s.notify(func(ctx context.Context, peer, cid types.Cid, _ int32) error {
		return s.svc.NotifyPayloadReady(ctx, peer, cid)
	}))
	mux.HandleFunc("POST /payload/finished", s.notify(func(ctx context.Context, peer, cid types.Cid, exitCode int32) error {
		return s.svc.NotifyPayloadFinished(ctx, peer, cid, exitCode)
	}))
	return mux
}

// Serve runs the guest API on the given listener until ctx is canceled.
func (s *GuestServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ConnContext:       connPeer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.WithFunc("server.GuestServer.Serve").Infof(ctx, "guest API listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GuestServer) notify(fn func(ctx context.Context, peer, cid types.Cid, exitCode int32) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		peer, ok := peerFrom(ctx)
		if !ok {
			writeErr(ctx, w, &service.Error{
				Kind:    service.KindPermission,
				Message: "connection carries no vsock peer address",
			})
			return
		}

		var req struct {
			Cid      types.Cid `json:"cid"`
			ExitCode int32     `json:"exit_code"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeErr(ctx, w, err)
			return
		}
		if err := fn(ctx, peer, req.Cid, req.ExitCode); err != nil {
			writeErr(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
