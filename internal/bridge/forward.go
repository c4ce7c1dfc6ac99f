package bridge

import (
	"context"
	"errors"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// call issues one forward call. hnd names the object the call is about and
// only labels errors.
func (d *Driver) call(ctx context.Context, messageType uint32, hnd handle.Handle, fields ...tlv.Field) (tlv.Fields, error) {
	c := d.client.Load()
	if c == nil {
		return nil, ErrNotLoaded
	}
	if _, ok := ctx.Deadline(); !ok && d.cfg.Session.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Session.CallTimeout)
		defer cancel()
	}
	out, err := c.Call(ctx, messageType, fields)
	if err != nil {
		return nil, forwardErr(schema.Name(messageType), hnd, err)
	}
	return out, nil
}

func (d *Driver) stream(ctx context.Context, messageType uint32, fields ...tlv.Field) (*rpc.Stream, error) {
	c := d.client.Load()
	if c == nil {
		return nil, ErrNotLoaded
	}
	return c.Stream(ctx, messageType, fields)
}

// forwardErr surfaces node failures reported by the peer as
// *ApplicationError; everything else passes through unchanged.
func forwardErr(op string, hnd handle.Handle, err error) error {
	var app *ApplicationError
	if errors.As(err, &app) {
		return err
	}
	if errors.Is(err, ErrApplication) {
		log.Debug().Err(err).Str("op", op).Uint64("hnd", uint64(hnd)).Msg("bridge.forward application error")
		return &ApplicationError{Op: op, Hnd: hnd, Err: err}
	}
	return err
}

func (d *Driver) newNode(ctx context.Context) (handle.Handle, error) {
	out, err := d.call(ctx, schema.MsgNewNode, handle.None)
	if err != nil {
		return handle.None, err
	}
	return handle.Handle(out.U64(schema.FieldNodeHnd)), nil
}

// release tells the peer hnd is no longer used here and waits for it to
// finish releasing its side.
func (d *Driver) release(ctx context.Context, hnd handle.Handle) error {
	_, err := d.call(ctx, schema.MsgRelease, hnd, tlv.U64(schema.FieldHnd, uint64(hnd)))
	return err
}

// ReadJSON parses data into a node hosted by the Remote Runtime. The result
// can be used as the source or target of edits and as a browser root.
func (d *Driver) ReadJSON(ctx context.Context, data []byte) (Node, error) {
	out, err := d.call(ctx, schema.MsgReadJSON, handle.None, tlv.Bytes(schema.FieldJSON, data))
	if err != nil {
		return nil, err
	}
	return d.resolveNode(handle.Handle(out.U64(schema.FieldNodeHnd)), true)
}
