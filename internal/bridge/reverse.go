package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/danmuck/fcbridge/internal/val"
	"github.com/rs/zerolog/log"
)

// reverseService answers the Remote Runtime's calls into locally hosted
// nodes. Every call resolves its selection, looks up the definition it
// names, checks the node's capability and dispatches. Context, release and
// edit hooks are optional; the navigation and data capabilities are not.
type reverseService struct {
	d *Driver
}

func (r *reverseService) register(srv *rpc.Server) {
	srv.Handle(schema.MsgXContext, r.xContext)
	srv.Handle(schema.MsgXRelease, r.xRelease)
	srv.Handle(schema.MsgXChoose, r.xChoose)
	srv.Handle(schema.MsgXNext, r.xNext)
	srv.Handle(schema.MsgXChild, r.xChild)
	srv.Handle(schema.MsgXField, r.xField)
	srv.Handle(schema.MsgXAction, r.xAction)
	srv.Handle(schema.MsgXNodeSource, r.xNodeSource)
	srv.Handle(schema.MsgXBeginEdit, r.xBeginEdit)
	srv.Handle(schema.MsgXEndEdit, r.xEndEdit)
	srv.HandleStream(schema.MsgXNotification, r.xNotification)
}

func (r *reverseService) selection(ctx context.Context, req rpc.Request) (*Selection, error) {
	hnd := handle.Handle(req.Fields.U64(schema.FieldSelHnd))
	sel, err := r.d.resolveSelection(ctx, hnd)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, fmt.Errorf("%w: sel=%d", handle.ErrHandleNotFound, hnd)
	}
	return sel, nil
}

// guard runs node logic. Failures, panics included, are logged with their
// context and returned as *ApplicationError; a missing capability reported
// by the node itself stays ErrUnsupported.
func guard(op string, sel *Selection, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("op", op).
				Uint64("sel", uint64(sel.hnd)).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("bridge.reverse node panic")
			err = &ApplicationError{Op: op, Hnd: sel.hnd, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	err = fn()
	if err == nil || errors.Is(err, ErrUnsupported) {
		return err
	}
	log.Error().
		Err(err).
		Str("op", op).
		Uint64("sel", uint64(sel.hnd)).
		Str("path", sel.Path.String()).
		Str("node", fmt.Sprintf("%T", sel.Node)).
		Msg("bridge.reverse node failed")
	return &ApplicationError{Op: op, Hnd: sel.hnd, Err: err}
}

func (r *reverseService) nodeField(ctx context.Context, n Node) ([]tlv.Field, error) {
	if n == nil {
		return nil, nil
	}
	h, err := r.d.ensureHandle(ctx, n)
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldNodeHnd, uint64(h))}, nil
}

func (r *reverseService) xContext(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	c, ok := sel.Node.(Contexter)
	if !ok {
		return nil, nil
	}
	return nil, guard("XContext", sel, func() error { return c.Context(ctx, sel) })
}

// xRelease: the peer dropped its last selection over a local node. The node
// is unregistered and forgets its handle, so a later crossing mints a new
// one; the selection is dropped last.
func (r *reverseService) xRelease(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	d := r.d
	n := sel.Node
	local := !isRemote(n)
	if h := n.Handle(); local && h != handle.None {
		if d.strong.ReleaseIf(h, n) {
			d.releaser.Enqueue(h)
		}
	}
	if hook, ok := n.(Releaser); ok {
		err = guard("XRelease", sel, func() error {
			hook.Release(sel)
			return nil
		})
	}
	if local {
		n.SetHandle(handle.None)
	}
	d.strong.ReleaseIf(sel.hnd, sel)
	log.Trace().Uint64("sel", uint64(sel.hnd)).Msg("bridge.reverse released")
	return nil, err
}

func (r *reverseService) xChoose(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	choice, err := meta.GetChoice(sel.Meta(), req.Fields.String(schema.FieldChoiceIdent))
	if err != nil {
		return nil, err
	}
	c, ok := sel.Node.(Chooser)
	if !ok {
		return nil, unsupported("Choose", sel.Node)
	}
	var picked *meta.Def
	err = guard("XChoose", sel, func() (err error) {
		picked, err = c.Choose(sel, choice)
		return err
	})
	if err != nil || picked == nil {
		return nil, err
	}
	return []tlv.Field{tlv.String(schema.FieldCaseIdent, picked.Ident)}, nil
}

func (r *reverseService) xNext(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	l, ok := sel.Node.(Lister)
	if !ok {
		return nil, unsupported("Next", sel.Node)
	}
	var key []val.Value
	for _, f := range tlv.GetAll(req.Fields, schema.FieldKey) {
		v, err := val.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("%w: key: %v", rpc.ErrInvalidRequest, err)
		}
		key = append(key, v)
	}
	lr := ListRequest{
		ctx:       ctx,
		Selection: sel,
		Meta:      sel.Meta(),
		New:       req.Fields.Bool(schema.FieldNew),
		Delete:    req.Fields.Bool(schema.FieldDelete),
		Row:       int64(req.Fields.U64(schema.FieldRow)),
		First:     req.Fields.Bool(schema.FieldFirst),
		Key:       key,
	}
	var child Node
	var keyOut []val.Value
	err = guard("XNext", sel, func() (err error) {
		child, keyOut, err = l.Next(lr)
		return err
	})
	if err != nil || child == nil {
		return nil, err
	}
	out, err := r.nodeField(ctx, child)
	if err != nil {
		return nil, err
	}
	for _, k := range keyOut {
		out = append(out, val.Encode(schema.FieldKey, k))
	}
	return out, nil
}

func (r *reverseService) xChild(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	def, err := meta.GetDef(sel.Meta(), req.Fields.String(schema.FieldMetaIdent))
	if err != nil {
		return nil, err
	}
	c, ok := sel.Node.(Childer)
	if !ok {
		return nil, unsupported("Child", sel.Node)
	}
	cr := ChildRequest{
		ctx:       ctx,
		Selection: sel,
		Meta:      def,
		New:       req.Fields.Bool(schema.FieldNew),
		Delete:    req.Fields.Bool(schema.FieldDelete),
	}
	var child Node
	err = guard("XChild", sel, func() (err error) {
		child, err = c.Child(cr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.nodeField(ctx, child)
}

func (r *reverseService) xField(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	def, err := meta.GetDef(sel.Meta(), req.Fields.String(schema.FieldMetaIdent))
	if err != nil {
		return nil, err
	}
	f, ok := sel.Node.(Fielder)
	if !ok {
		return nil, unsupported("Field", sel.Node)
	}
	fr := FieldRequest{
		ctx:       ctx,
		Selection: sel,
		Meta:      def,
		Write:     req.Fields.Bool(schema.FieldWrite),
		Clear:     req.Fields.Bool(schema.FieldClear),
	}
	var vh ValueHandle
	if fr.Write && !fr.Clear {
		raw, ok := tlv.GetField(req.Fields, schema.FieldValue)
		if !ok {
			return nil, fmt.Errorf("%w: write without value", rpc.ErrInvalidRequest)
		}
		if vh.Val, err = val.Decode(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", rpc.ErrInvalidRequest, err)
		}
	}
	if err := guard("XField", sel, func() error { return f.Field(fr, &vh) }); err != nil {
		return nil, err
	}
	if fr.Write || vh.Val.IsEmpty() {
		return nil, nil
	}
	return []tlv.Field{val.Encode(schema.FieldValue, vh.Val)}, nil
}

func (r *reverseService) xAction(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	a, ok := sel.Node.(Actioner)
	if !ok {
		return nil, unsupported("Action", sel.Node)
	}
	var input *Selection
	if h := handle.Handle(req.Fields.U64(schema.FieldInputHnd)); h != handle.None {
		if input, err = r.d.resolveSelection(ctx, h); err != nil {
			return nil, err
		}
	}
	ar := ActionRequest{ctx: ctx, Selection: sel, Meta: sel.Meta(), Input: input}
	var output Node
	err = guard("XAction", sel, func() (err error) {
		output, err = a.Action(ar)
		return err
	})
	if err != nil || output == nil {
		return nil, err
	}
	h, err := r.d.ensureHandle(ctx, output)
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldOutputHnd, uint64(h))}, nil
}

func (r *reverseService) xNodeSource(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	b, err := r.d.resolveBrowser(ctx, handle.Handle(req.Fields.U64(schema.FieldBrowserHnd)))
	if err != nil {
		return nil, err
	}
	var n Node
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = &ApplicationError{Op: "XNodeSource", Hnd: b.hnd, Err: fmt.Errorf("panic: %v", p)}
				log.Error().Interface("panic", p).Uint64("hnd", uint64(b.hnd)).Msg("bridge.reverse node source panic")
			}
		}()
		n = b.node()
	}()
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: browser hnd=%d has no node", ErrUnsupported, b.hnd)
	}
	return r.nodeField(ctx, n)
}

func (r *reverseService) edit(ctx context.Context, req rpc.Request, op string, begin bool) ([]tlv.Field, error) {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	e, ok := sel.Node.(Editor)
	if !ok {
		return nil, nil
	}
	nr := NodeRequest{
		ctx:       ctx,
		Selection: sel,
		New:       req.Fields.Bool(schema.FieldNew),
		Delete:    req.Fields.Bool(schema.FieldDelete),
	}
	return nil, guard(op, sel, func() error {
		if begin {
			return e.BeginEdit(nr)
		}
		return e.EndEdit(nr)
	})
}

func (r *reverseService) xBeginEdit(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	return r.edit(ctx, req, "XBeginEdit", true)
}

func (r *reverseService) xEndEdit(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	return r.edit(ctx, req, "XEndEdit", false)
}

// xNotification delivers a local node's notifications. The node fills a
// queue; a dedicated goroutine drains it onto the stream. Cancellation
// drops pending items and ends the queue, the goroutine is joined, and the
// node's closer always runs before the stream ends.
func (r *reverseService) xNotification(ctx context.Context, req rpc.Request, send func([]tlv.Field) error) error {
	sel, err := r.selection(ctx, req)
	if err != nil {
		return err
	}
	nt, ok := sel.Node.(Notifier)
	if !ok {
		return unsupported("Notify", sel.Node)
	}
	q := newNotifyQueue()
	var closer func()
	err = guard("XNotification", sel, func() (err error) {
		closer, err = nt.Notify(NotificationRequest{ctx: ctx, Selection: sel, Meta: sel.Meta(), queue: q})
		return err
	})
	if err != nil {
		return err
	}

	worker := make(chan error, 1)
	go func() {
		worker <- r.deliver(ctx, q, send)
	}()
	select {
	case <-ctx.Done():
		q.cancel()
		err = <-worker
	case err = <-worker:
		q.cancel()
	}
	if closer != nil {
		if cerr := guard("XNotification.close", sel, func() error { closer(); return nil }); cerr != nil && err == nil {
			err = cerr
		}
	}
	log.Debug().Err(err).Uint64("sel", uint64(sel.hnd)).Msg("bridge.reverse notification stream ended")
	return err
}

func (r *reverseService) deliver(ctx context.Context, q *notifyQueue, send func([]tlv.Field) error) error {
	for {
		n, ok := q.next()
		if !ok {
			return nil
		}
		out, err := r.nodeField(ctx, n)
		if err != nil {
			return err
		}
		if err := send(out); err != nil {
			return err
		}
	}
}
