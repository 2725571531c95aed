package instance

import (
	"context"
	"net"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/types"
)

// Callback receives lifecycle events for one VM. Implementations are called
// synchronously from the triggering operation, in registration order.
type Callback interface {
	// OnPayloadStarted may carry the payload stream taken from the
	// instance's stream slot; nil when no stream was attached.
	OnPayloadStarted(cid types.Cid, stream net.Conn) error
	OnPayloadReady(cid types.Cid) error
	OnPayloadFinished(cid types.Cid, exitCode int32) error
	OnDied(cid types.Cid) error
}

// Callbacks is the per-instance ordered listener set. Entries are appended
// by registration and never removed; every listener sees every event until
// the instance is destroyed.
type Callbacks struct {
	mu   sync.Mutex
	list []Callback
}

// Add appends a listener.
func (c *Callbacks) Add(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, cb)
}

// Len returns the number of registered listeners.
func (c *Callbacks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.list)
}

// snapshot copies the listener list so notification does not hold the lock
// while calling out.
func (c *Callbacks) snapshot() []Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Callback(nil), c.list...)
}

// NotifyStarted tells every listener the payload has started. A listener
// error is logged and does not stop the fan-out.
func (c *Callbacks) NotifyStarted(ctx context.Context, cid types.Cid, stream net.Conn) {
	logger := log.WithFunc("instance.NotifyStarted")
	for _, cb := range c.snapshot() {
		if err := cb.OnPayloadStarted(cid, stream); err != nil {
			logger.Warnf(ctx, "payload started callback for CID %d: %v", cid, err)
		}
	}
}

// NotifyReady tells every listener the payload is ready to serve.
func (c *Callbacks) NotifyReady(ctx context.Context, cid types.Cid) {
	logger := log.WithFunc("instance.NotifyReady")
	for _, cb := range c.snapshot() {
		if err := cb.OnPayloadReady(cid); err != nil {
			logger.Warnf(ctx, "payload ready callback for CID %d: %v", cid, err)
		}
	}
}

// NotifyFinished tells every listener the payload finished with exitCode.
func (c *Callbacks) NotifyFinished(ctx context.Context, cid types.Cid, exitCode int32) {
	logger := log.WithFunc("instance.NotifyFinished")
	for _, cb := range c.snapshot() {
		if err := cb.OnPayloadFinished(cid, exitCode); err != nil {
			logger.Warnf(ctx, "payload finished callback for CID %d: %v", cid, err)
		}
	}
}

// NotifyDied tells every listener the VM has died.
func (c *Callbacks) NotifyDied(ctx context.Context, cid types.Cid) {
	logger := log.WithFunc("instance.NotifyDied")
	for _, cb := range c.snapshot() {
		if err := cb.OnDied(cid); err != nil {
			logger.Warnf(ctx, "died callback for CID %d: %v", cid, err)
		}
	}
}
