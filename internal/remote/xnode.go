package remote

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
	"github.com/danmuck/fcbridge/internal/val"
)

// xNode is a node hosted by the Local Runtime. Its handle is fixed at
// NewNode; every operation is a reverse call addressed by selection handle.
type xNode struct {
	hnd handle.Handle
	rt  *Runtime

	mu   sync.Mutex
	refs int
}

func (x *xNode) acquire() {
	x.mu.Lock()
	x.refs++
	x.mu.Unlock()
}

// drop returns the number of selections still over x.
func (x *xNode) drop() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.refs > 0 {
		x.refs--
	}
	return x.refs
}

func (x *xNode) call(ctx context.Context, messageType uint32, sel *rsel, fields ...tlv.Field) (tlv.Fields, error) {
	c := x.rt.reverse.Load()
	if c == nil {
		return nil, ErrClosed
	}
	fields = append([]tlv.Field{tlv.U64(schema.FieldSelHnd, uint64(sel.hnd))}, fields...)
	return c.Call(ctx, messageType, fields)
}

// resolve maps a node handle the Local Runtime returned to its node.
func (x *xNode) resolve(out tlv.Fields, id uint16) (rnode, error) {
	h := handle.Handle(out.U64(id))
	if h == handle.None {
		return nil, nil
	}
	return x.rt.lookupNode(h)
}

func (x *xNode) context(ctx context.Context, sel *rsel) error {
	_, err := x.call(ctx, schema.MsgXContext, sel)
	return err
}

func (x *xNode) release(ctx context.Context, sel *rsel) error {
	_, err := x.call(ctx, schema.MsgXRelease, sel)
	return err
}

func (x *xNode) child(ctx context.Context, sel *rsel, r childReq) (rnode, error) {
	out, err := x.call(ctx, schema.MsgXChild, sel,
		tlv.String(schema.FieldMetaIdent, r.def.Ident),
		tlv.Bool(schema.FieldNew, r.create),
		tlv.Bool(schema.FieldDelete, r.delete))
	if err != nil {
		return nil, err
	}
	return x.resolve(out, schema.FieldNodeHnd)
}

func (x *xNode) next(ctx context.Context, sel *rsel, r nextReq) (rnode, []val.Value, error) {
	fields := []tlv.Field{
		tlv.Bool(schema.FieldNew, r.create),
		tlv.Bool(schema.FieldDelete, r.delete),
		tlv.U64(schema.FieldRow, uint64(r.row)),
		tlv.Bool(schema.FieldFirst, r.first),
	}
	for _, k := range r.key {
		fields = append(fields, val.Encode(schema.FieldKey, k))
	}
	out, err := x.call(ctx, schema.MsgXNext, sel, fields...)
	if err != nil {
		return nil, nil, err
	}
	n, err := x.resolve(out, schema.FieldNodeHnd)
	if err != nil || n == nil {
		return nil, nil, err
	}
	var key []val.Value
	for _, f := range tlv.GetAll(out, schema.FieldKey) {
		v, err := val.Decode(f)
		if err != nil {
			return nil, nil, fmt.Errorf("XNext key: %w", err)
		}
		key = append(key, v)
	}
	return n, key, nil
}

func (x *xNode) field(ctx context.Context, sel *rsel, r fieldReq) (val.Value, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldMetaIdent, r.def.Ident),
		tlv.Bool(schema.FieldWrite, r.write),
		tlv.Bool(schema.FieldClear, r.clear),
	}
	if r.write && !r.clear {
		fields = append(fields, val.Encode(schema.FieldValue, r.value))
	}
	out, err := x.call(ctx, schema.MsgXField, sel, fields...)
	if err != nil {
		return val.Empty(), err
	}
	f, ok := tlv.GetField(out, schema.FieldValue)
	if !ok {
		return val.Empty(), nil
	}
	return val.Decode(f)
}

func (x *xNode) choose(ctx context.Context, sel *rsel, choice *meta.Def) (*meta.Def, error) {
	out, err := x.call(ctx, schema.MsgXChoose, sel, tlv.String(schema.FieldChoiceIdent, choice.Ident))
	if err != nil {
		return nil, err
	}
	ident := out.String(schema.FieldCaseIdent)
	if ident == "" {
		return nil, nil
	}
	cs := choice.Case(ident)
	if cs == nil {
		return nil, fmt.Errorf("%w: case %q of %q", meta.ErrUnknownDefinition, ident, choice.Ident)
	}
	return cs, nil
}

func (x *xNode) action(ctx context.Context, sel *rsel, input *rsel) (rnode, error) {
	var inputHnd handle.Handle
	if input != nil {
		inputHnd = input.hnd
	}
	out, err := x.call(ctx, schema.MsgXAction, sel, tlv.U64(schema.FieldInputHnd, uint64(inputHnd)))
	if err != nil {
		return nil, err
	}
	return x.resolve(out, schema.FieldOutputHnd)
}

// notify relays the node's notification stream until it ends or ctx does.
func (x *xNode) notify(ctx context.Context, sel *rsel, fn func(rnode) error) error {
	c := x.rt.reverse.Load()
	if c == nil {
		return ErrClosed
	}
	st, err := c.Stream(ctx, schema.MsgXNotification, []tlv.Field{tlv.U64(schema.FieldSelHnd, uint64(sel.hnd))})
	if err != nil {
		return err
	}
	defer st.Close()
	for {
		out, err := st.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, rpc.ErrStreamCancelled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		n, err := x.resolve(out, schema.FieldNodeHnd)
		if err != nil {
			return err
		}
		if n == nil {
			continue
		}
		if err := fn(n); err != nil {
			return err
		}
	}
}

func (x *xNode) beginEdit(ctx context.Context, sel *rsel, r editReq) error {
	_, err := x.call(ctx, schema.MsgXBeginEdit, sel,
		tlv.Bool(schema.FieldNew, r.create),
		tlv.Bool(schema.FieldDelete, r.delete))
	return err
}

func (x *xNode) endEdit(ctx context.Context, sel *rsel, r editReq) error {
	_, err := x.call(ctx, schema.MsgXEndEdit, sel,
		tlv.Bool(schema.FieldNew, r.create),
		tlv.Bool(schema.FieldDelete, r.delete))
	return err
}

// nodeSource asks the Local Runtime for a source browser's current node.
func (rt *Runtime) nodeSource(ctx context.Context, b *rbrowser) (rnode, error) {
	c := rt.reverse.Load()
	if c == nil {
		return nil, ErrClosed
	}
	out, err := c.Call(ctx, schema.MsgXNodeSource, []tlv.Field{tlv.U64(schema.FieldBrowserHnd, uint64(b.hnd))})
	if err != nil {
		return nil, err
	}
	return rt.lookupNode(handle.Handle(out.U64(schema.FieldNodeHnd)))
}
