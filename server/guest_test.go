package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/projecteru2/vessel/cid"
	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/registry"
	"github.com/projecteru2/vessel/service"
	"github.com/projecteru2/vessel/types"
)

func newTestGuest(t *testing.T) (*GuestServer, *service.Service) {
	t.Helper()
	base := t.TempDir()
	conf := config.DefaultConfig()
	conf.RootDir = filepath.Join(base, "lib")
	conf.RunDir = filepath.Join(base, "run")
	conf.LogDir = filepath.Join(base, "log")
	if err := conf.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	svc := service.New(conf, registry.New(), cid.New(conf), nopComposer{})
	return NewGuest(svc), svc
}

// notifyAs performs a guest notification as the given peer CID.
func notifyAs(t *testing.T, h http.Handler, peer types.Cid, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r = r.WithContext(withPeer(r.Context(), peer))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGuestNotifications(t *testing.T) {
	gs, svc := newTestGuest(t)
	h := gs.Handler()
	ctx := context.Background()

	created, err := svc.CreateVM(ctx, types.Caller{UID: 0}, types.VMConfig{Kernel: "/boot/kernel"})
	if err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"cid":%d}`, created.Cid)

	// The peer CID must match the CID in the body.
	if w := notifyAs(t, h, created.Cid+1, "/payload/started", body); w.Code != http.StatusForbidden {
		t.Errorf("spoofed peer = %d, want 403", w.Code)
	}

	if w := notifyAs(t, h, created.Cid, "/payload/started", body); w.Code != http.StatusNoContent {
		t.Fatalf("started = %d: %s", w.Code, w.Body)
	}
	if w := notifyAs(t, h, created.Cid, "/payload/ready", body); w.Code != http.StatusNoContent {
		t.Fatalf("ready = %d: %s", w.Code, w.Body)
	}
	// Repeating a state is an ordering violation.
	if w := notifyAs(t, h, created.Cid, "/payload/ready", body); w.Code != http.StatusConflict {
		t.Errorf("repeat ready = %d, want 409", w.Code)
	}
	finished := fmt.Sprintf(`{"cid":%d,"exit_code":3}`, created.Cid)
	if w := notifyAs(t, h, created.Cid, "/payload/finished", finished); w.Code != http.StatusNoContent {
		t.Fatalf("finished = %d: %s", w.Code, w.Body)
	}
}

func TestGuestRejectsNonVsockPeer(t *testing.T) {
	gs, _ := newTestGuest(t)
	r := httptest.NewRequest(http.MethodPost, "/payload/ready", strings.NewReader(`{"cid":10}`))
	w := httptest.NewRecorder()
	gs.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("peerless notify = %d, want 403", w.Code)
	}
}

func TestGuestUnknownCid(t *testing.T) {
	gs, _ := newTestGuest(t)
	if w := notifyAs(t, gs.Handler(), 77, "/payload/started", `{"cid":77}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown CID = %d, want 404", w.Code)
	}
}
