// Package cid issues guest context identifiers. The last issued value is
// persisted as a decimal string so a restart of the daemon does not reuse a
// CID while the host is up. The counter file is guarded by flock so that the
// read-increment-write sequence is exclusive to one allocator at a time.
package cid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/config"
	"github.com/projecteru2/vessel/lock"
	"github.com/projecteru2/vessel/lock/flock"
	"github.com/projecteru2/vessel/types"
	"github.com/projecteru2/vessel/utils"
)

// ErrExhausted is returned when the CID counter would overflow.
var ErrExhausted = errors.New("CID space exhausted")

// Allocator hands out monotonically increasing CIDs.
type Allocator struct {
	path   string
	locker lock.Locker
}

// New creates an Allocator persisting to conf.LastCidFile().
func New(conf *config.Config) *Allocator {
	return &Allocator{
		path:   conf.LastCidFile(),
		locker: flock.New(conf.LastCidLock()),
	}
}

// Next returns the next free CID and persists it before returning.
//
// A missing counter file means this is the first guest since the host came
// up. An unparsable value is logged and treated the same way rather than
// failing the call: a corrupted counter should not brick VM creation, and
// restarting from the first guest CID is safe because stale guests from a
// previous boot no longer exist.
func (a *Allocator) Next(ctx context.Context) (types.Cid, error) {
	var next types.Cid
	err := lock.WithLock(ctx, a.locker, func() error {
		data, err := os.ReadFile(a.path) //nolint:gosec // vessel-managed path
		switch {
		case os.IsNotExist(err):
			next = types.FirstGuestCid
		case err != nil:
			return fmt.Errorf("read %s: %w", a.path, err)
		default:
			raw := strings.TrimSpace(string(data))
			last, perr := strconv.ParseUint(raw, 10, 32)
			if perr != nil {
				log.WithFunc("cid.Next").Warnf(ctx, "invalid last CID %q, using %d", raw, types.FirstGuestCid)
				next = types.FirstGuestCid
				break
			}
			if last >= math.MaxUint32 {
				return ErrExhausted
			}
			next = types.Cid(last) + 1
		}
		return utils.AtomicWriteFile(a.path, []byte(strconv.FormatUint(uint64(next), 10)+"\n"), 0o600)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
