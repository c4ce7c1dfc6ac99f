package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/rs/zerolog/log"
)

type rmodule struct {
	hnd  handle.Handle
	meta *meta.Module
	wire []byte
}

// rbrowser either has a fixed root node, whose root selection is pinned and
// reused, or asks the Local Runtime for a node on every root request.
type rbrowser struct {
	hnd    handle.Handle
	module *rmodule

	mu      sync.Mutex
	root    rnode
	rootSel *rsel
}

type rsel struct {
	hnd        handle.Handle
	node       rnode
	path       *meta.Path
	browser    *rbrowser
	insideList bool
	// pinned selections belong to a browser; releasing them never releases
	// the node
	pinned bool
}

func (s *rsel) meta() *meta.Def { return s.path.Meta() }

func lookup[T any](rt *Runtime, h handle.Handle) (T, error) {
	var zero T
	obj, err := rt.objs.Require(h)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: hnd=%d is a %T, want %T", handle.ErrHandleNotFound, h, obj, zero)
	}
	return v, nil
}

func (rt *Runtime) store(obj any) (handle.Handle, error) {
	return rt.objs.Store(rt.alloc.Next(), obj)
}

// nodeHandle returns the handle n crosses the boundary with. Locally hosted
// nodes keep the handle they were minted with; remote-hosted ones are
// registered on first crossing and again after the peer released them.
func (rt *Runtime) nodeHandle(n rnode) (handle.Handle, error) {
	if x, ok := n.(*xNode); ok {
		return x.hnd, nil
	}
	rt.idMu.Lock()
	defer rt.idMu.Unlock()
	if h, ok := rt.ids[n]; ok {
		return h, nil
	}
	h, err := rt.store(n)
	if err != nil {
		return handle.None, err
	}
	rt.ids[n] = h
	return h, nil
}

func (rt *Runtime) lookupNode(h handle.Handle) (rnode, error) {
	return lookup[rnode](rt, h)
}

// newSel registers a selection. Entering a selection over a locally hosted
// node tells the node through XContext.
func (rt *Runtime) newSel(ctx context.Context, n rnode, p *meta.Path, b *rbrowser, insideList, pinned bool) (*rsel, error) {
	s := &rsel{node: n, path: p, browser: b, insideList: insideList, pinned: pinned}
	h, err := rt.store(s)
	if err != nil {
		return nil, err
	}
	s.hnd = h
	x, ok := n.(*xNode)
	if !ok {
		return s, nil
	}
	x.acquire()
	if err := x.context(ctx, s); err != nil {
		rt.releaseSel(ctx, s)
		return nil, err
	}
	return s, nil
}

// releaseSel drops s. When s was the last selection over a locally hosted
// node, the Local Runtime is told through XRelease while s is still
// resolvable.
func (rt *Runtime) releaseSel(ctx context.Context, s *rsel) {
	if s == nil {
		return
	}
	if x, ok := s.node.(*xNode); ok {
		if x.drop() == 0 && !s.pinned {
			if err := x.release(ctx, s); err != nil {
				log.Warn().Err(err).Uint64("sel", uint64(s.hnd)).Uint64("hnd", uint64(x.hnd)).Msg("remote.Runtime XRelease failed")
			}
		}
	}
	rt.objs.ReleaseIf(s.hnd, s)
}

// release handles a Release from the Local Runtime. Unknown handles are
// ignored; weak-pool notifications may arrive after the object is gone.
func (rt *Runtime) release(ctx context.Context, h handle.Handle) {
	obj, ok := rt.objs.Lookup(h)
	if !ok {
		log.Trace().Uint64("hnd", uint64(h)).Msg("remote.Runtime release of unknown handle")
		return
	}
	switch o := obj.(type) {
	case *rsel:
		if b := o.browser; b != nil && o.pinned {
			b.mu.Lock()
			if b.rootSel == o {
				b.rootSel = nil
			}
			b.mu.Unlock()
		}
		rt.releaseSel(ctx, o)
	case *rbrowser:
		o.mu.Lock()
		root := o.rootSel
		o.rootSel = nil
		o.mu.Unlock()
		rt.releaseSel(ctx, root)
		rt.objs.ReleaseIf(h, o)
	case rnode:
		rt.idMu.Lock()
		if rt.ids[o] == h {
			delete(rt.ids, o)
		}
		rt.idMu.Unlock()
		rt.objs.ReleaseIf(h, o)
	default:
		rt.objs.ReleaseIf(h, o)
	}
	log.Trace().Uint64("hnd", uint64(h)).Str("kind", fmt.Sprintf("%T", obj)).Msg("remote.Runtime released")
}

// rootSel returns the browser's root selection.
func (rt *Runtime) rootSel(ctx context.Context, b *rbrowser) (*rsel, error) {
	root := meta.NewPath(b.module.meta)
	if b.root == nil {
		n, err := rt.nodeSource(ctx, b)
		if err != nil {
			return nil, err
		}
		return rt.newSel(ctx, n, root, b, false, false)
	}
	b.mu.Lock()
	if s := b.rootSel; s != nil {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()
	s, err := rt.newSel(ctx, b.root, root, b, false, true)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if existing := b.rootSel; existing != nil {
		b.mu.Unlock()
		rt.releaseSel(ctx, s)
		return existing, nil
	}
	b.rootSel = s
	b.mu.Unlock()
	return s, nil
}
