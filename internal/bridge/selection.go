package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Selection is a cursor: a node bound to a schema path. One handle maps to
// one *Selection for as long as it stays registered.
type Selection struct {
	Node       Node
	Path       *meta.Path
	Browser    *Browser
	InsideList bool

	driver *Driver
	hnd    handle.Handle
}

func (s *Selection) Handle() handle.Handle { return s.hnd }

func (s *Selection) Driver() *Driver { return s.driver }

// Meta is the definition the selection's path ends at.
func (s *Selection) Meta() *meta.Def { return s.Path.Meta() }

func (s *Selection) String() string {
	return fmt.Sprintf("sel(%d %s)", s.hnd, s.Path)
}

// resolveSelection maps a selection handle from the peer to a *Selection,
// describing it through the peer on first sight.
func (d *Driver) resolveSelection(ctx context.Context, hnd handle.Handle) (*Selection, error) {
	if hnd == handle.None {
		return nil, nil
	}
	if sel, ok := d.lookupSelection(hnd); ok {
		return sel, nil
	}
	v, err, _ := d.resolve.Do(fmt.Sprintf("sel:%d", hnd), func() (any, error) {
		if sel, ok := d.lookupSelection(hnd); ok {
			return sel, nil
		}
		return d.describeSelection(ctx, hnd)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Selection), nil
}

func (d *Driver) lookupSelection(hnd handle.Handle) (*Selection, bool) {
	obj, ok := d.strong.Lookup(hnd)
	if !ok {
		return nil, false
	}
	sel, ok := obj.(*Selection)
	return sel, ok
}

func (d *Driver) describeSelection(ctx context.Context, hnd handle.Handle) (*Selection, error) {
	out, err := d.call(ctx, schema.MsgGetSelection, hnd, tlv.U64(schema.FieldSelHnd, uint64(hnd)))
	if err != nil {
		return nil, err
	}
	nodeHnd := handle.Handle(out.U64(schema.FieldNodeHnd))
	remote := out.Bool(schema.FieldRemoteNode)
	n, err := d.resolveNode(nodeHnd, remote)
	if err != nil {
		return nil, fmt.Errorf("bridge: sel=%d: %w", hnd, err)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: sel=%d has no node", ErrDanglingHandle, hnd)
	}
	b, err := d.resolveBrowser(ctx, handle.Handle(out.U64(schema.FieldBrowserHnd)))
	if err != nil {
		return nil, err
	}
	m := b.Module
	if modHnd := handle.Handle(out.U64(schema.FieldModuleHnd)); modHnd != m.hnd {
		if m, err = d.ResolveModule(ctx, modHnd); err != nil {
			return nil, err
		}
	}
	p, err := m.Meta.DecodePath(out.String(schema.FieldPath))
	if err != nil {
		return nil, fmt.Errorf("bridge: sel=%d: %w", hnd, err)
	}
	sel := &Selection{
		Node:       n,
		Path:       p,
		Browser:    b,
		InsideList: out.Bool(schema.FieldInsideList),
		driver:     d,
		hnd:        hnd,
	}
	if _, err := d.strong.Store(hnd, sel); err != nil {
		return nil, err
	}
	log.Trace().Uint64("sel", uint64(hnd)).Uint64("hnd", uint64(nodeHnd)).Bool("remote", remote).Str("path", p.String()).Msg("bridge.Selection resolved")
	return sel, nil
}

// Find navigates to a path relative to s. No match is a nil selection, not
// an error.
func (s *Selection) Find(ctx context.Context, path string) (*Selection, error) {
	out, err := s.driver.call(ctx, schema.MsgFind, s.hnd,
		tlv.U64(schema.FieldSelHnd, uint64(s.hnd)),
		tlv.String(schema.FieldPath, path))
	if err != nil {
		return nil, err
	}
	return s.driver.resolveSelection(ctx, handle.Handle(out.U64(schema.FieldSelHnd)))
}

// Action runs the rpc s points at. input may be nil; a nil result means the
// rpc has no output.
func (s *Selection) Action(ctx context.Context, input Node) (*Selection, error) {
	inputHnd, err := s.driver.ensureHandle(ctx, input)
	if err != nil {
		return nil, err
	}
	out, err := s.driver.call(ctx, schema.MsgAction, s.hnd,
		tlv.U64(schema.FieldSelHnd, uint64(s.hnd)),
		tlv.U64(schema.FieldInputHnd, uint64(inputHnd)))
	if err != nil {
		return nil, err
	}
	return s.driver.resolveSelection(ctx, handle.Handle(out.U64(schema.FieldOutputHnd)))
}

// WriteJSON renders the data below s.
func (s *Selection) WriteJSON(ctx context.Context) (string, error) {
	out, err := s.driver.call(ctx, schema.MsgWriteJSON, s.hnd, tlv.U64(schema.FieldSelHnd, uint64(s.hnd)))
	if err != nil {
		return "", err
	}
	return string(out.Bytes(schema.FieldJSON)), nil
}

// Release tells the peer s is no longer used and drops it here. The peer
// may call back to release the local node under s before this returns.
func (s *Selection) Release(ctx context.Context) error {
	err := s.driver.release(ctx, s.hnd)
	s.driver.strong.ReleaseIf(s.hnd, s)
	return err
}

type subscription struct {
	sel    *Selection
	stream *rpc.Stream
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// close cancels the stream and joins the delivery goroutine.
func (sub *subscription) close() {
	sub.once.Do(func() {
		sub.stream.Close()
		sub.cancel()
		<-sub.done
	})
}

// Notifications subscribes to the notification s points at. fn runs on a
// dedicated goroutine, one message at a time, in order; the message
// selection is released when fn returns. The returned closer cancels the
// stream and waits for delivery to stop; it must not be called from fn.
func (s *Selection) Notifications(ctx context.Context, fn func(msg *Selection)) (func(), error) {
	d := s.driver
	st, err := d.stream(ctx, schema.MsgNotification, tlv.U64(schema.FieldSelHnd, uint64(s.hnd)))
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{sel: s, stream: st, cancel: cancel, done: make(chan struct{})}
	d.subsMu.Lock()
	d.subs[sub] = struct{}{}
	d.subsMu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			out, err := st.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, rpc.ErrStreamCancelled) {
					log.Warn().Err(err).Uint64("sel", uint64(s.hnd)).Msg("bridge.Selection notification stream failed")
				}
				return
			}
			msg, err := d.resolveSelection(subCtx, handle.Handle(out.U64(schema.FieldSelHnd)))
			if err != nil || msg == nil {
				log.Warn().Err(err).Uint64("sel", uint64(s.hnd)).Msg("bridge.Selection notification dropped")
				continue
			}
			fn(msg)
			if err := msg.Release(subCtx); err != nil {
				log.Debug().Err(err).Uint64("sel", uint64(msg.hnd)).Msg("bridge.Selection notification release failed")
			}
		}
	}()

	return func() {
		sub.close()
		d.subsMu.Lock()
		delete(d.subs, sub)
		d.subsMu.Unlock()
	}, nil
}

func (d *Driver) closeSubscriptions() {
	d.subsMu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for sub := range d.subs {
		subs = append(subs, sub)
	}
	d.subs = make(map[*subscription]struct{})
	d.subsMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
