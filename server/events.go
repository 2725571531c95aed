package server

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/types"
)

// Event is one line of the lifecycle event stream.
type Event struct {
	Event    string    `json:"event"`
	Cid      types.Cid `json:"cid"`
	ExitCode *int32    `json:"exit_code,omitempty"`
}

const (
	EventPayloadStarted  = "payload_started"
	EventPayloadReady    = "payload_ready"
	EventPayloadFinished = "payload_finished"
	EventDied            = "died"
)

// eventListener adapts the callback interface onto a channel drained by the
// streaming handler. A slow consumer drops events rather than stalling the
// notifying operation.
type eventListener struct {
	ch chan Event
}

func newEventListener() *eventListener {
	return &eventListener{ch: make(chan Event, 16)}
}

func (l *eventListener) push(ev Event) error {
	select {
	case l.ch <- ev:
	default:
	}
	return nil
}

func (l *eventListener) OnPayloadStarted(cid types.Cid, _ net.Conn) error {
	return l.push(Event{Event: EventPayloadStarted, Cid: cid})
}

func (l *eventListener) OnPayloadReady(cid types.Cid) error {
	return l.push(Event{Event: EventPayloadReady, Cid: cid})
}

func (l *eventListener) OnPayloadFinished(cid types.Cid, exitCode int32) error {
	return l.push(Event{Event: EventPayloadFinished, Cid: cid, ExitCode: &exitCode})
}

func (l *eventListener) OnDied(cid types.Cid) error {
	return l.push(Event{Event: EventDied, Cid: cid})
}

// events streams lifecycle events as JSON lines until the client goes away
// or the VM dies.
func (s *HostServer) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	listener := newEventListener()
	if err := s.svc.RegisterCallback(caller, r.PathValue("handle"), listener); err != nil {
		writeErr(ctx, w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	logger := log.WithFunc("server.HostServer.events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-listener.ch:
			if err := enc.Encode(ev); err != nil {
				logger.Warnf(ctx, "event stream write: %v", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			// Death is the last event a VM ever emits.
			if ev.Event == EventDied {
				return
			}
		}
	}
}
