package handle

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fcbridge/internal/testutil/testlog"
)

type obj struct {
	name string
}

type recorder struct {
	mu   sync.Mutex
	sent []Handle
	ch   chan Handle
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Handle, 64)}
}

func (r *recorder) send(_ context.Context, h Handle) error {
	r.mu.Lock()
	r.sent = append(r.sent, h)
	r.mu.Unlock()
	r.ch <- h
	return nil
}

func (r *recorder) count(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s == h {
			n++
		}
	}
	return n
}

func TestStrongPoolStoreLookupRelease(t *testing.T) {
	testlog.Start(t)
	p := NewStrongPool("strong")
	o := &obj{name: "a"}
	if _, err := p.Store(None, o); !errors.Is(err, ErrZeroHandle) {
		t.Fatalf("expected ErrZeroHandle, got %v", err)
	}
	h, err := p.Store(7, o)
	if err != nil || h != 7 {
		t.Fatalf("store: h=%d err=%v", h, err)
	}
	got, ok := p.Lookup(7)
	if !ok || got.(*obj) != o {
		t.Fatalf("lookup returned %v,%v", got, ok)
	}
	if !p.Release(7) {
		t.Fatalf("release should report presence")
	}
	if _, ok := p.Lookup(7); ok {
		t.Fatalf("lookup after release must be absent")
	}
	if _, err := p.Require(7); !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
	if p.Release(7) {
		t.Fatalf("second release should report absence")
	}
}

func TestStrongPoolSequences(t *testing.T) {
	testlog.Start(t)
	p := NewStrongPool("strong")
	live := map[Handle]bool{}
	ops := []struct {
		store bool
		h     Handle
	}{
		{true, 1}, {true, 2}, {false, 1}, {true, 3}, {true, 1}, {false, 2}, {false, 3}, {false, 3}, {true, 2},
	}
	for i, op := range ops {
		if op.store {
			if _, err := p.Store(op.h, &obj{}); err != nil {
				t.Fatalf("op %d store: %v", i, err)
			}
			live[op.h] = true
		} else {
			p.Release(op.h)
			delete(live, op.h)
		}
		for _, h := range []Handle{1, 2, 3} {
			if _, ok := p.Lookup(h); ok != live[h] {
				t.Fatalf("op %d: lookup(%d)=%v want %v", i, h, ok, live[h])
			}
		}
	}
	if p.Len() != len(live) {
		t.Fatalf("len=%d want %d", p.Len(), len(live))
	}
}

func TestStrongPoolReleaseIfAndClose(t *testing.T) {
	testlog.Start(t)
	p := NewStrongPool("strong")
	a, b := &obj{name: "a"}, &obj{name: "b"}
	_, _ = p.Store(1, a)
	if p.ReleaseIf(1, b) {
		t.Fatalf("ReleaseIf must not remove a different object")
	}
	if !p.ReleaseIf(1, a) {
		t.Fatalf("ReleaseIf should remove matching object")
	}
	_, _ = p.Store(2, a)
	p.Close()
	if p.Len() != 0 {
		t.Fatalf("close should drop all entries")
	}
	if _, err := p.Store(3, a); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestAllocatorIsSequential(t *testing.T) {
	testlog.Start(t)
	var a Allocator
	if a.Next() != 1 || a.Next() != 2 || a.Next() != 3 {
		t.Fatalf("allocator must count up from 1")
	}
}

func TestWeakPoolExplicitReleaseNotifiesOnce(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	r := NewReleaser(8, time.Second, rec.send)
	p := NewWeakPool("weak", r)
	o := &obj{name: "browser"}
	if _, err := StoreWeak(p, 5, o); err != nil {
		t.Fatalf("store weak: %v", err)
	}
	got, ok := p.Lookup(5)
	if !ok || got.(*obj) != o {
		t.Fatalf("lookup returned %v,%v", got, ok)
	}
	if !p.Release(5) {
		t.Fatalf("release should report presence")
	}
	p.Release(5)
	r.Close()
	if n := rec.count(5); n != 1 {
		t.Fatalf("expected exactly one notification, got %d", n)
	}
	runtime.KeepAlive(o)
}

func TestWeakPoolReclaimNotifiesOnce(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	r := NewReleaser(8, time.Second, rec.send)
	defer r.Close()
	p := NewWeakPool("weak", r)

	func() {
		o := &obj{name: "transient"}
		if _, err := StoreWeak(p, 9, o); err != nil {
			t.Fatalf("store weak: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case h := <-rec.ch:
			if h != 9 {
				t.Fatalf("unexpected handle %d", h)
			}
			if _, ok := p.Lookup(9); ok {
				t.Fatalf("reclaimed handle must be absent")
			}
			// further collections must not produce a second notification
			runtime.GC()
			time.Sleep(20 * time.Millisecond)
			if n := rec.count(9); n != 1 {
				t.Fatalf("expected one notification, got %d", n)
			}
			return
		case <-deadline:
			t.Fatalf("no release notification after reclaim")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWeakPoolCloseStopsNotifications(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	r := NewReleaser(8, time.Second, rec.send)
	p := NewWeakPool("weak", r)
	o := &obj{name: "module"}
	_, _ = StoreWeak(p, 3, o)
	p.Close()
	if p.Len() != 0 {
		t.Fatalf("close should drop entries")
	}
	if _, err := StoreWeak(p, 4, o); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	r.Close()
	if len(rec.sent) != 0 {
		t.Fatalf("closed pool must not notify, got %v", rec.sent)
	}
	runtime.KeepAlive(o)
}

func TestReleaserDropsWhenFullOrClosed(t *testing.T) {
	testlog.Start(t)
	block := make(chan struct{})
	var sent sync.WaitGroup
	sent.Add(1)
	first := true
	r := NewReleaser(1, time.Second, func(ctx context.Context, h Handle) error {
		if first {
			first = false
			sent.Done()
			<-block
		}
		return errors.New("peer gone")
	})
	if !r.Enqueue(1) {
		t.Fatalf("first enqueue should be accepted")
	}
	sent.Wait()
	if !r.Enqueue(2) {
		t.Fatalf("second enqueue should fill the queue")
	}
	if r.Enqueue(3) {
		t.Fatalf("full queue must drop instead of blocking")
	}
	close(block)
	r.Close()
	if r.Enqueue(4) {
		t.Fatalf("closed releaser must drop")
	}
}
