package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/observability"
	"github.com/danmuck/fcbridge/internal/protocol/session"
	"github.com/danmuck/fcbridge/internal/remote"
	"github.com/danmuck/fcbridge/internal/testutil/testlog"
	"github.com/danmuck/fcbridge/internal/val"
)

const modulesDir = "../../testdata/modules"

var fastBackoff = session.BackoffConfig{
	InitialDelay: 10 * time.Millisecond,
	Multiplier:   1.0,
	MaxDelay:     10 * time.Millisecond,
}

// startSession runs an in-process Remote Runtime and attaches a driver to
// it. Both are stopped when the test ends.
func startSession(t *testing.T) (*Driver, *remote.Runtime) {
	t.Helper()
	dir, err := os.MkdirTemp("", "fcb")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	fwd, rev := filepath.Join(dir, "f.sock"), filepath.Join(dir, "r.sock")

	rcfg := remote.DefaultConfig()
	rcfg.ForwardSocket, rcfg.ReverseSocket = fwd, rev
	rcfg.DialAttempts = 500
	rcfg.Session.Backoff = fastBackoff
	rt := remote.New(rcfg)
	served := make(chan error, 1)
	go func() { served <- rt.Serve(context.Background()) }()

	cfg := DefaultConfig()
	cfg.ForwardSocket, cfg.ReverseSocket = fwd, rev
	cfg.WaitAttempts = 500
	cfg.Session.Backoff = fastBackoff
	cfg.Session.CallTimeout = 10 * time.Second
	d := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Attach(ctx); err != nil {
		rt.Close()
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Unload(); err != nil && !errors.Is(err, ErrNotLoaded) {
			t.Errorf("unload: %v", err)
		}
		rt.Close()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("remote serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("remote runtime did not stop")
		}
	})
	return d, rt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func leaf(s string) *Basic {
	return &Basic{OnField: func(r FieldRequest, h *ValueHandle) error {
		h.Val = val.String(s)
		return nil
	}}
}

func TestSessionIDsAgree(t *testing.T) {
	testlog.Start(t)
	d, rt := startSession(t)
	if d.SessionID() == "" || d.SessionID() != rt.SessionID() {
		t.Fatalf("session ids differ: local=%q remote=%q", d.SessionID(), rt.SessionID())
	}
	if err := d.Attach(testCtx(t)); !errors.Is(err, ErrLoaded) {
		t.Fatalf("second attach should fail with ErrLoaded, got %v", err)
	}
}

func TestDefaultReadThenReleaseLeavesNoHandles(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, rt := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "basic")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	root := &Basic{OnField: func(FieldRequest, *ValueHandle) error { return nil }}
	b, err := d.NewBrowser(ctx, m, root)
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	sel, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	js, err := sel.WriteJSON(ctx)
	if err != nil {
		t.Fatalf("write json: %v", err)
	}
	if js != `{"enabled":true}` {
		t.Fatalf("expected default to be reported, got %s", js)
	}

	if err := sel.Release(ctx); err != nil {
		t.Fatalf("release selection: %v", err)
	}
	b.Release()
	m.Release()

	waitFor(t, "remote table to drain", func() bool { return rt.Stats().Objects == 0 })
	if st := d.Stats(); st.StrongHandles != 0 || st.WeakHandles != 0 {
		t.Fatalf("local handles left behind: %+v", st)
	}
	if root.Handle() != handle.None {
		t.Fatalf("root node kept handle %d", root.Handle())
	}
}

func TestUpsertIntoRegistersNodeOnce(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "basic")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	target, err := d.ReadJSON(ctx, []byte(`{}`))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	if _, ok := target.(*RemoteRef); !ok {
		t.Fatalf("ReadJSON should return a remote reference, got %T", target)
	}
	b, err := d.NewBrowser(ctx, m, target)
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	sel, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	src := &Basic{OnField: func(r FieldRequest, h *ValueHandle) error {
		if r.Meta.Ident == "name" {
			h.Val = val.String("joe")
		}
		return nil
	}}
	newNodes := observability.CallCount(side, "NewNode")
	edits := observability.CallCount(side, "SelectionEdit")
	if err := sel.UpsertInto(ctx, src); err != nil {
		t.Fatalf("upsert into: %v", err)
	}
	if got := observability.CallCount(side, "NewNode") - newNodes; got != 1 {
		t.Fatalf("expected one NewNode, got %v", got)
	}
	if got := observability.CallCount(side, "SelectionEdit") - edits; got != 1 {
		t.Fatalf("expected one SelectionEdit, got %v", got)
	}
	if src.Handle() != handle.None {
		t.Fatalf("source node should be released after the edit, hnd=%d", src.Handle())
	}

	js, err := sel.WriteJSON(ctx)
	if err != nil {
		t.Fatalf("write json: %v", err)
	}
	if js != `{"enabled":true,"name":"joe"}` {
		t.Fatalf("edit not applied, got %s", js)
	}
}

func TestNotificationsArriveInOrder(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "car")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	nodeClosed := make(chan struct{})
	root := &Basic{OnNotify: func(r NotificationRequest) (func(), error) {
		r.Send(leaf("first"))
		r.Send(leaf("second"))
		return func() { close(nodeClosed) }, nil
	}}
	b, err := d.NewBrowser(ctx, m, root)
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	sel, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	upd, err := sel.Find(ctx, "update")
	if err != nil || upd == nil {
		t.Fatalf("find update: %v %v", upd, err)
	}

	got := make(chan string, 4)
	closer, err := upd.Notifications(ctx, func(msg *Selection) {
		js, err := msg.WriteJSON(ctx)
		if err != nil {
			js = "error: " + err.Error()
		}
		got <- js
	})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	for _, want := range []string{`{"event":"first"}`, `{"event":"second"}`} {
		select {
		case js := <-got:
			if js != want {
				t.Fatalf("expected %s, got %s", want, js)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	closer()
	if n := d.Stats().OpenNotifications; n != 0 {
		t.Fatalf("subscription still open: %d", n)
	}
	select {
	case <-nodeClosed:
	case <-time.After(5 * time.Second):
		t.Fatalf("node closer was not called")
	}
	select {
	case js := <-got:
		t.Fatalf("delivery after close: %s", js)
	default:
	}
	if err := upd.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestResolveKeepsIdentity(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "car")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	if again, err := d.ResolveModule(ctx, m.Handle()); err != nil || again != m {
		t.Fatalf("module identity lost: %p %p %v", m, again, err)
	}
	b, err := d.NewBrowser(ctx, m, &Basic{})
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	first, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	second, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root again: %v", err)
	}
	if first != second {
		t.Fatalf("same handle resolved to two selections")
	}
	resolved, err := d.resolveSelection(ctx, first.Handle())
	if err != nil || resolved != first {
		t.Fatalf("resolve by handle lost identity: %v", err)
	}
	if first.Browser != b {
		t.Fatalf("selection browser is not the browser it came from")
	}
}

func TestEnsureHandleMintsOncePerNode(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	n := &Basic{}
	before := observability.CallCount(side, "NewNode")
	var wg sync.WaitGroup
	hnds := make([]handle.Handle, 8)
	errs := make([]error, 8)
	for i := range hnds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hnds[i], errs[i] = d.ensureHandle(ctx, n)
		}()
	}
	wg.Wait()
	for i := range hnds {
		if errs[i] != nil {
			t.Fatalf("ensure handle: %v", errs[i])
		}
		if hnds[i] == handle.None || hnds[i] != hnds[0] {
			t.Fatalf("handles differ: %v", hnds)
		}
	}
	if again, err := d.ensureHandle(ctx, n); err != nil || again != hnds[0] {
		t.Fatalf("second ensure changed handle: %d %v", again, err)
	}
	if got := observability.CallCount(side, "NewNode") - before; got != 1 {
		t.Fatalf("expected one NewNode round trip, got %v", got)
	}
}

func TestFindWithoutMatchIsNoSelection(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "car")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	doc, err := d.ReadJSON(ctx, []byte(`{"tire":[{"pos":"front"}]}`))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	b, err := d.NewBrowser(ctx, m, doc)
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	sel, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if got, err := sel.Find(ctx, "engine"); err != nil || got != nil {
		t.Fatalf("expected no selection, got %v %v", got, err)
	}
	item, err := sel.Find(ctx, "tire=front")
	if err != nil || item == nil {
		t.Fatalf("find tire=front: %v %v", item, err)
	}
	if !item.InsideList || item.Path.String() != "tire=front" {
		t.Fatalf("unexpected item %s inside=%v", item, item.InsideList)
	}
	if _, ok := item.Node.(*RemoteRef); !ok {
		t.Fatalf("item node should be remote, got %T", item.Node)
	}
	if err := item.Release(ctx); err != nil {
		t.Fatalf("release item: %v", err)
	}
}

func TestDanglingLocalHandle(t *testing.T) {
	testlog.Start(t)
	d, _ := startSession(t)
	if _, err := d.resolveNode(handle.Handle(1<<40), false); !errors.Is(err, ErrDanglingHandle) {
		t.Fatalf("expected ErrDanglingHandle, got %v", err)
	}
	if n, err := d.resolveNode(handle.None, false); n != nil || err != nil {
		t.Fatalf("zero handle should resolve to no node, got %v %v", n, err)
	}
}

func TestNodeFailuresSurfaceAsApplicationErrors(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "basic")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	boom := errors.New("boom")
	cases := map[string]*Basic{
		"error": {OnField: func(FieldRequest, *ValueHandle) error { return boom }},
		"panic": {OnField: func(FieldRequest, *ValueHandle) error { panic("kaboom") }},
	}
	for name, root := range cases {
		b, err := d.NewBrowser(ctx, m, root)
		if err != nil {
			t.Fatalf("%s: new browser: %v", name, err)
		}
		sel, err := b.Root(ctx)
		if err != nil {
			t.Fatalf("%s: root: %v", name, err)
		}
		_, err = sel.WriteJSON(ctx)
		var app *ApplicationError
		if !errors.As(err, &app) || !errors.Is(err, ErrApplication) {
			t.Fatalf("%s: expected *ApplicationError, got %T %v", name, err, err)
		}
		b.Release()
	}

	b, err := d.NewBrowser(ctx, m, &Basic{})
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	sel, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if _, err := sel.WriteJSON(ctx); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for a node without fields, got %v", err)
	}
}

func TestActionPassesInputAndOutput(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "car")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	inputs := make(chan string, 1)
	root := &Basic{OnAction: func(r ActionRequest) (Node, error) {
		js, err := r.Input.WriteJSON(r.Context())
		if err != nil {
			return nil, err
		}
		inputs <- js
		return &Basic{OnField: func(r FieldRequest, h *ValueHandle) error {
			h.Val = val.Bool(true)
			return nil
		}}, nil
	}}
	b, err := d.NewBrowser(ctx, m, root)
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	sel, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	start, err := sel.Find(ctx, "start")
	if err != nil || start == nil {
		t.Fatalf("find start: %v %v", start, err)
	}
	gear := &Basic{OnField: func(r FieldRequest, h *ValueHandle) error {
		h.Val = val.Int(3)
		return nil
	}}
	out, err := start.Action(ctx, gear)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if input := <-inputs; input != `{"gear":3}` {
		t.Fatalf("action saw input %s", input)
	}
	if out == nil {
		t.Fatalf("expected output selection")
	}
	js, err := out.WriteJSON(ctx)
	if err != nil {
		t.Fatalf("output json: %v", err)
	}
	if js != `{"ok":true}` {
		t.Fatalf("unexpected output %s", js)
	}
	if err := out.Release(ctx); err != nil {
		t.Fatalf("release output: %v", err)
	}
	if gear.Handle() != handle.None {
		t.Fatalf("input node kept its handle")
	}
}

func TestSourceBrowserAsksForRootEachTime(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	d, _ := startSession(t)

	m, err := d.LoadModule(ctx, modulesDir, "basic")
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	var calls atomic.Int32
	released := make(chan struct{}, 4)
	b, err := d.NewBrowserSource(ctx, m, func() Node {
		calls.Add(1)
		return &Basic{
			OnField:   func(FieldRequest, *ValueHandle) error { return nil },
			OnRelease: func(*Selection) { released <- struct{}{} },
		}
	})
	if err != nil {
		t.Fatalf("new browser: %v", err)
	}
	for i := 0; i < 2; i++ {
		sel, err := b.Root(ctx)
		if err != nil {
			t.Fatalf("root: %v", err)
		}
		if err := sel.Release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
		select {
		case <-released:
		case <-time.After(5 * time.Second):
			t.Fatalf("root node release hook not called")
		}
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected the source to be asked twice, got %d", n)
	}
	if st := d.Stats(); st.StrongHandles != 0 {
		t.Fatalf("strong handles left behind: %+v", st)
	}
}
