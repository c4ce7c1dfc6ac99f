package bridge

import (
	"context"
	"fmt"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Module is a schema module loaded by the Remote Runtime. The decoded
// definition graph is immutable.
type Module struct {
	Meta   *meta.Module
	hnd    handle.Handle
	driver *Driver
}

func (m *Module) Handle() handle.Handle { return m.hnd }

// Release drops the module here and tells the peer.
func (m *Module) Release() {
	m.driver.weak.Release(m.hnd)
}

// LoadModule asks the Remote Runtime to parse module name from dir.
func (d *Driver) LoadModule(ctx context.Context, dir, name string) (*Module, error) {
	out, err := d.call(ctx, schema.MsgLoadModule, handle.None,
		tlv.String(schema.FieldDir, dir),
		tlv.String(schema.FieldName, name))
	if err != nil {
		return nil, err
	}
	hnd := handle.Handle(out.U64(schema.FieldModuleHnd))
	m, err := d.decodeModule(hnd, out.Bytes(schema.FieldModule))
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", m.Meta.Ident).Uint64("hnd", uint64(hnd)).Msg("bridge.LoadModule")
	return m, nil
}

// ResolveModule returns the module for hnd, fetching it from the peer when
// it is not held here.
func (d *Driver) ResolveModule(ctx context.Context, hnd handle.Handle) (*Module, error) {
	if m, ok := d.lookupModule(hnd); ok {
		return m, nil
	}
	v, err, _ := d.resolve.Do(fmt.Sprintf("mod:%d", hnd), func() (any, error) {
		if m, ok := d.lookupModule(hnd); ok {
			return m, nil
		}
		out, err := d.call(ctx, schema.MsgGetModule, hnd, tlv.U64(schema.FieldModuleHnd, uint64(hnd)))
		if err != nil {
			return nil, err
		}
		return d.decodeModule(hnd, out.Bytes(schema.FieldModule))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

func (d *Driver) lookupModule(hnd handle.Handle) (*Module, bool) {
	obj, ok := d.weak.Lookup(hnd)
	if !ok {
		return nil, false
	}
	m, ok := obj.(*Module)
	return m, ok
}

func (d *Driver) decodeModule(hnd handle.Handle, data []byte) (*Module, error) {
	mm, err := meta.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("bridge: decode module hnd=%d: %w", hnd, err)
	}
	m := &Module{Meta: mm, hnd: hnd, driver: d}
	if _, err := handle.StoreWeak(d.weak, hnd, m); err != nil {
		return nil, err
	}
	return m, nil
}
