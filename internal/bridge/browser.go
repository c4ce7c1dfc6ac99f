package bridge

import (
	"context"
	"fmt"
	"runtime"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
)

// Browser produces root selections over one module. A browser either has a
// fixed root node or asks a source function for a node each time the peer
// needs one. Browsers resolved from a peer handle have neither.
type Browser struct {
	Module *Module

	driver *Driver
	hnd    handle.Handle
	root   Node
	source func() Node
	// dropRoot unregisters a local root once the browser is reclaimed
	// without Release.
	dropRoot runtime.Cleanup
}

// NewBrowser binds m to root, which may be local or a RemoteRef. A local root
// is unregistered when the browser is released, or reclaimed by the garbage
// collector.
func (d *Driver) NewBrowser(ctx context.Context, m *Module, root Node) (*Browser, error) {
	if root == nil {
		return nil, fmt.Errorf("bridge: browser root node required")
	}
	return d.newBrowser(ctx, m, root, nil)
}

// NewBrowserSource binds m to src, called whenever the peer needs the root
// node.
func (d *Driver) NewBrowserSource(ctx context.Context, m *Module, src func() Node) (*Browser, error) {
	if src == nil {
		return nil, fmt.Errorf("bridge: browser node source required")
	}
	return d.newBrowser(ctx, m, nil, src)
}

func (d *Driver) newBrowser(ctx context.Context, m *Module, root Node, src func() Node) (*Browser, error) {
	nodeHnd, err := d.ensureHandle(ctx, root)
	if err != nil {
		return nil, err
	}
	out, err := d.call(ctx, schema.MsgNewBrowser, m.hnd,
		tlv.U64(schema.FieldModuleHnd, uint64(m.hnd)),
		tlv.U64(schema.FieldNodeHnd, uint64(nodeHnd)))
	if err != nil {
		return nil, err
	}
	b := &Browser{
		Module: m,
		driver: d,
		hnd:    handle.Handle(out.U64(schema.FieldBrowserHnd)),
		root:   root,
		source: src,
	}
	if _, err := handle.StoreWeak(d.weak, b.hnd, b); err != nil {
		return nil, err
	}
	if root != nil && !isRemote(root) {
		b.dropRoot = runtime.AddCleanup(b, d.dropNode, root)
	}
	return b, nil
}

func (b *Browser) Handle() handle.Handle { return b.hnd }

// Root returns the root selection. The caller releases it.
func (b *Browser) Root(ctx context.Context) (*Selection, error) {
	out, err := b.driver.call(ctx, schema.MsgBrowserRoot, b.hnd, tlv.U64(schema.FieldBrowserHnd, uint64(b.hnd)))
	if err != nil {
		return nil, err
	}
	sel, err := b.driver.resolveSelection(ctx, handle.Handle(out.U64(schema.FieldSelHnd)))
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, fmt.Errorf("bridge: browser hnd=%d has no root", b.hnd)
	}
	return sel, nil
}

// Release drops the browser here and tells the peer. A local root node is
// unregistered with it.
func (b *Browser) Release() {
	b.driver.weak.Release(b.hnd)
	if b.root != nil {
		b.dropRoot.Stop()
		b.driver.dropNode(b.root)
	}
}

func (b *Browser) node() Node {
	if b.source != nil {
		return b.source()
	}
	return b.root
}

func (d *Driver) resolveBrowser(ctx context.Context, hnd handle.Handle) (*Browser, error) {
	if b, ok := d.lookupBrowser(hnd); ok {
		return b, nil
	}
	v, err, _ := d.resolve.Do(fmt.Sprintf("browser:%d", hnd), func() (any, error) {
		if b, ok := d.lookupBrowser(hnd); ok {
			return b, nil
		}
		out, err := d.call(ctx, schema.MsgGetBrowser, hnd, tlv.U64(schema.FieldBrowserHnd, uint64(hnd)))
		if err != nil {
			return nil, err
		}
		m, err := d.ResolveModule(ctx, handle.Handle(out.U64(schema.FieldModuleHnd)))
		if err != nil {
			return nil, err
		}
		b := &Browser{Module: m, driver: d, hnd: hnd}
		if _, err := handle.StoreWeak(d.weak, hnd, b); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Browser), nil
}

func (d *Driver) lookupBrowser(hnd handle.Handle) (*Browser, bool) {
	obj, ok := d.weak.Lookup(hnd)
	if !ok {
		return nil, false
	}
	b, ok := obj.(*Browser)
	return b, ok
}
