package rpc

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerSlot is the semaphore unit a unary handler holds. Calls the handler
// makes to the peer give the unit back while they wait, so a chain of nested
// calls between two bounded servers never has every slot on both sides
// parked on the other.
type workerSlot struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	waiting int
	done    bool
}

type slotKey struct{}

func withSlot(ctx context.Context, sl *workerSlot) context.Context {
	return context.WithValue(ctx, slotKey{}, sl)
}

func slotFrom(ctx context.Context) *workerSlot {
	sl, _ := ctx.Value(slotKey{}).(*workerSlot)
	return sl
}

// suspend returns the unit for the length of one outbound call. The returned
// func takes it back and must be called exactly once.
func (sl *workerSlot) suspend() func() {
	sl.mu.Lock()
	if sl.done {
		sl.mu.Unlock()
		return func() {}
	}
	sl.waiting++
	if sl.waiting == 1 {
		sl.sem.Release(1)
	}
	sl.mu.Unlock()
	return func() {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		sl.waiting--
		if sl.waiting == 0 && !sl.done {
			// other callers of suspend block on mu until the unit is back
			_ = sl.sem.Acquire(context.Background(), 1)
		}
	}
}

// Suspend gives back the worker slot of the handler running under ctx until
// the returned func is called. Handlers use it around waits on work that may
// itself need a slot. Outside a handler it does nothing.
func Suspend(ctx context.Context) func() {
	if sl := slotFrom(ctx); sl != nil {
		return sl.suspend()
	}
	return func() {}
}

// finish gives the unit back once the handler returns.
func (sl *workerSlot) finish() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.done = true
	if sl.waiting == 0 {
		sl.sem.Release(1)
	}
}
