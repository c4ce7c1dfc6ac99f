package bridge

import (
	"context"
	"fmt"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/rs/zerolog/log"
)

type mintCall struct {
	done chan struct{}
	hnd  handle.Handle
	err  error
}

// resolveNode maps a node handle from the peer to a node. Local nodes come
// back as the registered object; remote ones as a RemoteRef, created without
// a round trip and reused while reachable.
func (d *Driver) resolveNode(hnd handle.Handle, remote bool) (Node, error) {
	if hnd == handle.None {
		return nil, nil
	}
	if obj, ok := d.strong.Lookup(hnd); ok {
		if n, ok := obj.(Node); ok {
			return n, nil
		}
		return nil, fmt.Errorf("bridge: hnd=%d is a %T, not a node", hnd, obj)
	}
	d.refMu.Lock()
	defer d.refMu.Unlock()
	if obj, ok := d.weak.Lookup(hnd); ok {
		if ref, ok := obj.(*RemoteRef); ok {
			return ref, nil
		}
	}
	if !remote {
		return nil, fmt.Errorf("%w: node hnd=%d", ErrDanglingHandle, hnd)
	}
	ref := &RemoteRef{hnd: hnd, driver: d}
	if _, err := handle.StoreWeak(d.weak, hnd, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// ensureHandle returns n's handle, minting one through the peer on first
// crossing. Concurrent first crossings of the same node share one mint.
func (d *Driver) ensureHandle(ctx context.Context, n Node) (handle.Handle, error) {
	if n == nil {
		return handle.None, nil
	}
	if h := n.Handle(); h != handle.None {
		return h, nil
	}
	d.mintMu.Lock()
	if h := n.Handle(); h != handle.None {
		d.mintMu.Unlock()
		return h, nil
	}
	if c, ok := d.minting[n]; ok {
		d.mintMu.Unlock()
		defer rpc.Suspend(ctx)()
		select {
		case <-c.done:
			return c.hnd, c.err
		case <-ctx.Done():
			return handle.None, ctx.Err()
		}
	}
	c := &mintCall{done: make(chan struct{})}
	d.minting[n] = c
	d.mintMu.Unlock()

	c.hnd, c.err = d.mint(ctx, n)

	d.mintMu.Lock()
	delete(d.minting, n)
	d.mintMu.Unlock()
	close(c.done)
	return c.hnd, c.err
}

func (d *Driver) mint(ctx context.Context, n Node) (handle.Handle, error) {
	h, err := d.newNode(ctx)
	if err != nil {
		return handle.None, fmt.Errorf("bridge: register node: %w", err)
	}
	if _, err := d.strong.Store(h, n); err != nil {
		d.releaser.Enqueue(h)
		return handle.None, err
	}
	n.SetHandle(h)
	log.Trace().Uint64("hnd", uint64(h)).Str("node", fmt.Sprintf("%T", n)).Msg("bridge.Driver node registered")
	return h, nil
}
