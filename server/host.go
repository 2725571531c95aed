// Package server exposes the service facade over two transports: the host
// API on a unix socket with kernel-verified caller identity, and the guest
// notification API on a vsock port with peer-CID identity.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
)

// HostServer serves the client-facing API.
type HostServer struct {
	svc *service.Service
}

// NewHost creates the host API server.
func NewHost(svc *service.Service) *HostServer {
	return &HostServer{svc: svc}
}

// Handler builds the route table.
func (s *HostServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /vms", s.createVM)
	mux.HandleFunc("DELETE /vms/{handle}", s.release)
	mux.HandleFunc("POST /vms/{handle}/start", s.start)
	mux.HandleFunc("GET /vms/{handle}/state", s.getState)
	mux.HandleFunc("GET /vms/{handle}/cid", s.getCid)
	mux.HandleFunc("GET /vms/{handle}/events", s.events)
	mux.HandleFunc("POST /vms/{handle}/connect", s.connect)
	mux.HandleFunc("POST /partitions", s.initPartition)
	mux.HandleFunc("POST /idsigs", s.createIdsig)
	mux.HandleFunc("GET /debug/vms", s.debugList)
	mux.HandleFunc("POST /debug/vms/{handle}/hold", s.debugHold)
	mux.HandleFunc("DELETE /debug/vms/{cid}", s.debugDrop)
	return mux
}

// Serve runs the host API on the given listener until ctx is canceled.
func (s *HostServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ConnContext:       connCaller,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.WithFunc("server.HostServer.Serve").Infof(ctx, "host API listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// caller fetches the connection identity or rejects the request.
func (s *HostServer) caller(w http.ResponseWriter, r *http.Request) (types.Caller, bool) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeErr(r.Context(), w, &service.Error{
			Kind:    service.KindPermission,
			Message: "connection carries no peer credentials",
		})
		return types.Caller{}, false
	}
	return caller, true
}

func (s *HostServer) createVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var conf types.VMConfig
	if err := decodeJSON(r, &conf); err != nil {
		writeErr(ctx, w, err)
		return
	}
	res, err := s.svc.CreateVM(ctx, caller, conf)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, res)
}

func (s *HostServer) release(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.svc.Release(ctx, caller, r.PathValue("handle")); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HostServer) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.svc.Start(ctx, caller, r.PathValue("handle")); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HostServer) getState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	state, err := s.svc.GetState(caller, r.PathValue("handle"))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]types.ExternalState{"state": state})
}

func (s *HostServer) getCid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	cid, err := s.svc.GetCid(caller, r.PathValue("handle"))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]types.Cid{"cid": cid})
}

// connect splices the client connection to a guest vsock port. The HTTP
// connection is hijacked after a 101 and carries raw bytes from then on.
func (s *HostServer) connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	port, err := strconv.ParseUint(r.URL.Query().Get("port"), 10, 32)
	if err != nil || port == 0 {
		writeErr(ctx, w, &service.Error{Kind: service.KindArgument, Message: "missing or invalid port"})
		return
	}

	guest, err := s.svc.ConnectVsock(ctx, caller, r.PathValue("handle"), uint32(port))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = guest.Close()
		writeErr(ctx, w, &service.Error{Kind: service.KindInternal, Message: "transport does not support hijacking"})
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		_ = guest.Close()
		writeErr(ctx, w, err)
		return
	}

	_, _ = buf.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: vsock\r\n\r\n")
	_ = buf.Flush()

	splice(ctx, client, buf.Reader, guest)
}

// splice pumps bytes between the hijacked client connection and the guest
// until either side closes.
func splice(ctx context.Context, client net.Conn, clientReader io.Reader, guest net.Conn) {
	logger := log.WithFunc("server.splice")
	done := make(chan struct{}, 2)
	go func() {
		if _, err := io.Copy(guest, clientReader); err != nil {
			logger.Warnf(ctx, "client to guest copy: %v", err)
		}
		done <- struct{}{}
	}()
	go func() {
		if _, err := io.Copy(client, guest); err != nil {
			logger.Warnf(ctx, "guest to client copy: %v", err)
		}
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = guest.Close()
	<-done
}

func (s *HostServer) initPartition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Path string              `json:"path"`
		Size int64               `json:"size"`
		Type types.PartitionType `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(ctx, w, err)
		return
	}
	if err := s.svc.InitializeWritablePartition(ctx, caller, req.Path, req.Size, req.Type); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HostServer) createIdsig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Input  string `json:"input"`
		Output string `json:"output"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(ctx, w, err)
		return
	}
	if err := s.svc.CreateOrUpdateIdsigFile(ctx, caller, req.Input, req.Output); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HostServer) debugList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	infos, err := s.svc.DebugListVms(caller)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, infos)
}

func (s *HostServer) debugHold(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.svc.DebugHoldVmRef(caller, r.PathValue("handle")); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HostServer) debugDrop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	cid, err := strconv.ParseUint(r.PathValue("cid"), 10, 32)
	if err != nil {
		writeErr(ctx, w, &service.Error{Kind: service.KindArgument, Message: "invalid CID"})
		return
	}
	if err := s.svc.DebugDropVmRef(ctx, caller, types.Cid(cid)); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
