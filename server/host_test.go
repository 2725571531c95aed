package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/projecteru2/vessel/cid"
	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/disk"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
)

type nopComposer struct{}

func (nopComposer) Compose(context.Context, []types.Partition, string, disk.CompositeFileSet) error {
	return nil
}

func newTestHost(t *testing.T) (*HostServer, *service.Service, *config.Config) {
	t.Helper()
	base := t.TempDir()
	conf := config.DefaultConfig()
	conf.RootDir = filepath.Join(base, "lib")
	conf.RunDir = filepath.Join(base, "run")
	conf.LogDir = filepath.Join(base, "log")
	conf.VMMBinary = "/nonexistent/vmm"
	// The process's own uid owns the VMs in socket-backed tests, where
	// caller identity comes from real peer credentials.
	conf.ManageUIDs = []uint32{uint32(os.Getuid())}
	if err := conf.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	svc := service.New(conf, registry.New(), cid.New(conf), nopComposer{})
	return NewHost(svc), svc, conf
}

var root = types.Caller{UID: 0, PID: 1}

// self is the caller identity peer credentials will report for this process.
func self() types.Caller {
	return types.Caller{UID: uint32(os.Getuid()), PID: int32(os.Getpid())}
}

// do runs one request through the handler with the given connection caller.
func do(t *testing.T, h http.Handler, caller *types.Caller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if caller != nil {
		r = r.WithContext(withCaller(r.Context(), *caller))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// serveOnSocket runs the host API on a fresh unix socket and returns its path.
func serveOnSocket(t *testing.T, hs *HostServer) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hs.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve = %v", err)
		}
	})
	return sock
}

func TestHostVMLifecycle(t *testing.T) {
	hs, _, _ := newTestHost(t)
	h := hs.Handler()

	w := do(t, h, &root, http.MethodPost, "/vms", `{"kernel":"/boot/kernel"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body)
	}
	var created service.CreateVMResult
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Cid != types.FirstGuestCid || created.Handle == "" {
		t.Fatalf("created = %+v", created)
	}

	w = do(t, h, &root, http.MethodGet, "/vms/"+created.Handle+"/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state = %d: %s", w.Code, w.Body)
	}
	var state struct {
		State types.ExternalState `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.State != types.StateNotStarted {
		t.Errorf("state = %s, want NOT_STARTED", state.State)
	}

	w = do(t, h, &root, http.MethodGet, "/vms/"+created.Handle+"/cid", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "10") {
		t.Errorf("cid = %d: %s", w.Code, w.Body)
	}

	w = do(t, h, &root, http.MethodDelete, "/vms/"+created.Handle, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("release = %d: %s", w.Code, w.Body)
	}
	w = do(t, h, &root, http.MethodGet, "/vms/"+created.Handle+"/state", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("state after release = %d, want 404", w.Code)
	}
}

func TestHostRejectsMissingCredentials(t *testing.T) {
	hs, _, _ := newTestHost(t)
	w := do(t, hs.Handler(), nil, http.MethodPost, "/vms", `{"kernel":"/boot/kernel"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("anonymous create = %d, want 403", w.Code)
	}
}

func TestHostErrorMapping(t *testing.T) {
	hs, _, _ := newTestHost(t)
	h := hs.Handler()

	if w := do(t, h, &root, http.MethodPost, "/vms", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", w.Code)
	}
	if w := do(t, h, &root, http.MethodPost, "/vms/nope/start", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown handle = %d, want 404", w.Code)
	}

	w := do(t, h, &root, http.MethodGet, "/vms/nope/state", "")
	var svcErr service.Error
	if err := json.Unmarshal(w.Body.Bytes(), &svcErr); err != nil {
		t.Fatal(err)
	}
	if svcErr.Kind != service.KindNotFound {
		t.Errorf("error kind = %s, want not_found", svcErr.Kind)
	}

	if w := do(t, h, &root, http.MethodDelete, "/debug/vms/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad CID = %d, want 400", w.Code)
	}
}

func TestEventStreamDeliversNotifications(t *testing.T) {
	hs, svc, _ := newTestHost(t)
	ctx := context.Background()

	created, err := svc.CreateVM(ctx, self(), types.VMConfig{Kernel: "/boot/kernel"})
	if err != nil {
		t.Fatal(err)
	}

	sock := serveOnSocket(t, hs)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "GET /vms/" + created.Handle + "/events HTTP/1.1\r\nHost: vessel\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", resp.StatusCode)
	}

	// The listener registers asynchronously; retry the notification until
	// it lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := svc.NotifyPayloadStarted(ctx, created.Cid, created.Cid); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("notify: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	dec := json.NewDecoder(resp.Body)
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Event != EventPayloadStarted || ev.Cid != created.Cid {
		t.Errorf("event = %+v", ev)
	}
}

func TestConnectSplicesToGuest(t *testing.T) {
	hs, svc, conf := newTestHost(t)
	ctx := context.Background()

	// Fake guest: echoes whatever arrives on the spliced connection.
	svc.SetDialer(func(types.Cid, uint32) (net.Conn, error) {
		host, guest := net.Pipe()
		go func() {
			defer guest.Close()
			io.Copy(guest, guest) //nolint:errcheck
		}()
		return host, nil
	})

	// A real child keeps the VM in Running while the splice is up.
	fake := filepath.Join(t.TempDir(), "vmm")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nsleep 60\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	conf.VMMBinary = fake

	created, err := svc.CreateVM(ctx, self(), types.VMConfig{Kernel: "/boot/kernel"})
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Release(ctx, self(), created.Handle) //nolint:errcheck
	if err := svc.Start(ctx, self(), created.Handle); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sock := serveOnSocket(t, hs)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "POST /vms/" + created.Handle + "/connect?port=9000 HTTP/1.1\r\nHost: vessel\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodPost})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("connect = %d, want 101", resp.StatusCode)
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	echo := make([]byte, 5)
	if _, err := io.ReadFull(br, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo) != "hello" {
		t.Errorf("echo = %q", echo)
	}
}
