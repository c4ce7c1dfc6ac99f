// Package handle owns the handle tables shared by both sides of a bridge
// session.
//
// Ownership boundary:
// - handle identifiers and the sequential allocator
// - strong pool (explicit release)
// - weak pool (release when the object becomes unreachable)
// - best-effort release notification dispatch
package handle

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Handle names one live object within a session. Zero means no object.
type Handle uint64

const None Handle = 0

var (
	ErrHandleNotFound = errors.New("handle: not found")
	ErrZeroHandle     = errors.New("handle: 0 is not a valid handle")
	ErrPoolClosed     = errors.New("handle: pool closed")
)

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

func (h Handle) IsZero() bool {
	return h == None
}

func notFound(pool string, h Handle) error {
	return fmt.Errorf("%w: pool=%s hnd=%d", ErrHandleNotFound, pool, h)
}

// Allocator mints sequential handles. Values are never reused for the
// lifetime of the allocator, so a late release notification can never name
// a handle that was handed out again.
type Allocator struct {
	next atomic.Uint64
}

func (a *Allocator) Next() Handle {
	return Handle(a.next.Add(1))
}
