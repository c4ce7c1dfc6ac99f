package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/protocol/rpc"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

func (rt *Runtime) register(srv *rpc.Server) {
	srv.Handle(schema.MsgLoadModule, rt.loadModule)
	srv.Handle(schema.MsgGetModule, rt.getModule)
	srv.Handle(schema.MsgNewBrowser, rt.newBrowser)
	srv.Handle(schema.MsgGetBrowser, rt.getBrowser)
	srv.Handle(schema.MsgBrowserRoot, rt.browserRoot)
	srv.Handle(schema.MsgGetSelection, rt.getSelection)
	srv.Handle(schema.MsgNewNode, rt.newNode)
	srv.Handle(schema.MsgFind, rt.find)
	srv.Handle(schema.MsgSelectionEdit, rt.selectionEdit)
	srv.Handle(schema.MsgAction, rt.action)
	srv.HandleStream(schema.MsgNotification, rt.notification)
	srv.Handle(schema.MsgRelease, rt.releaseCall)
	srv.Handle(schema.MsgReadJSON, rt.readJSON)
	srv.Handle(schema.MsgWriteJSON, rt.writeJSON)
}

func (rt *Runtime) selection(req rpc.Request) (*rsel, error) {
	return lookup[*rsel](rt, handle.Handle(req.Fields.U64(schema.FieldSelHnd)))
}

func selField(s *rsel) []tlv.Field {
	if s == nil {
		return nil
	}
	return []tlv.Field{tlv.U64(schema.FieldSelHnd, uint64(s.hnd))}
}

func (rt *Runtime) loadModule(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	dir, name := req.Fields.String(schema.FieldDir), req.Fields.String(schema.FieldName)
	m, err := meta.ParseFile(dir, name)
	if err != nil {
		return nil, err
	}
	wire, err := meta.Encode(m)
	if err != nil {
		return nil, err
	}
	mod := &rmodule{meta: m, wire: wire}
	if mod.hnd, err = rt.store(mod); err != nil {
		return nil, err
	}
	log.Debug().Str("module", m.Ident).Str("dir", dir).Uint64("hnd", uint64(mod.hnd)).Msg("remote.Runtime module loaded")
	return []tlv.Field{
		tlv.U64(schema.FieldModuleHnd, uint64(mod.hnd)),
		tlv.Bytes(schema.FieldModule, wire),
	}, nil
}

func (rt *Runtime) getModule(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	m, err := lookup[*rmodule](rt, handle.Handle(req.Fields.U64(schema.FieldModuleHnd)))
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.Bytes(schema.FieldModule, m.wire)}, nil
}

func (rt *Runtime) newBrowser(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	m, err := lookup[*rmodule](rt, handle.Handle(req.Fields.U64(schema.FieldModuleHnd)))
	if err != nil {
		return nil, err
	}
	b := &rbrowser{module: m}
	if h := handle.Handle(req.Fields.U64(schema.FieldNodeHnd)); h != handle.None {
		if b.root, err = rt.lookupNode(h); err != nil {
			return nil, err
		}
	}
	if b.hnd, err = rt.store(b); err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldBrowserHnd, uint64(b.hnd))}, nil
}

func (rt *Runtime) getBrowser(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	b, err := lookup[*rbrowser](rt, handle.Handle(req.Fields.U64(schema.FieldBrowserHnd)))
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldModuleHnd, uint64(b.module.hnd))}, nil
}

func (rt *Runtime) browserRoot(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	b, err := lookup[*rbrowser](rt, handle.Handle(req.Fields.U64(schema.FieldBrowserHnd)))
	if err != nil {
		return nil, err
	}
	s, err := rt.rootSel(ctx, b)
	if err != nil {
		return nil, err
	}
	return selField(s), nil
}

func (rt *Runtime) getSelection(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	s, err := rt.selection(req)
	if err != nil {
		return nil, err
	}
	nodeHnd, err := rt.nodeHandle(s.node)
	if err != nil {
		return nil, err
	}
	_, local := s.node.(*xNode)
	return []tlv.Field{
		tlv.U64(schema.FieldNodeHnd, uint64(nodeHnd)),
		tlv.U64(schema.FieldModuleHnd, uint64(s.browser.module.hnd)),
		tlv.String(schema.FieldPath, s.path.String()),
		tlv.U64(schema.FieldBrowserHnd, uint64(s.browser.hnd)),
		tlv.Bool(schema.FieldRemoteNode, !local),
		tlv.Bool(schema.FieldInsideList, s.insideList),
	}, nil
}

// newNode registers a node hosted by the Local Runtime.
func (rt *Runtime) newNode(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	x := &xNode{rt: rt}
	h, err := rt.store(x)
	if err != nil {
		return nil, err
	}
	x.hnd = h
	return []tlv.Field{tlv.U64(schema.FieldNodeHnd, uint64(h))}, nil
}

func (rt *Runtime) find(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	s, err := rt.selection(req)
	if err != nil {
		return nil, err
	}
	found, err := walker{rt}.find(ctx, s, req.Fields.String(schema.FieldPath))
	if err != nil {
		return nil, err
	}
	return selField(found), nil
}

func (rt *Runtime) selectionEdit(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	op := req.Fields.U32(schema.FieldEditOp)
	plan, ok := editPlans[op]
	if !ok {
		return nil, fmt.Errorf("%w: edit op %d", rpc.ErrInvalidRequest, op)
	}
	s, err := rt.selection(req)
	if err != nil {
		return nil, err
	}
	n, err := rt.lookupNode(handle.Handle(req.Fields.U64(schema.FieldNodeHnd)))
	if err != nil {
		return nil, err
	}
	other, err := rt.newSel(ctx, n, s.path, s.browser, s.insideList, false)
	if err != nil {
		return nil, err
	}
	defer rt.releaseSel(ctx, other)
	src, dst := s, other
	if plan.into {
		src, dst = other, s
	}
	log.Trace().Uint32("op", op).Uint64("sel", uint64(s.hnd)).Str("path", s.path.String()).Msg("remote.Runtime edit")
	return nil, walker{rt}.edit(ctx, plan, src, dst)
}

// action runs the rpc sel points at. The input node, when given, is wrapped
// in a selection for the call; the output selection belongs to the caller.
func (rt *Runtime) action(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	s, err := rt.selection(req)
	if err != nil {
		return nil, err
	}
	def := s.meta()
	if def.Kind != meta.KindRpc {
		return nil, fmt.Errorf("%w: %s is a %s, not an rpc", ErrWrongKind, s.path, def.Kind)
	}
	var input *rsel
	if h := handle.Handle(req.Fields.U64(schema.FieldInputHnd)); h != handle.None {
		if def.Input == nil {
			return nil, fmt.Errorf("%w: rpc %s takes no input", rpc.ErrInvalidRequest, s.path)
		}
		n, err := rt.lookupNode(h)
		if err != nil {
			return nil, err
		}
		if input, err = rt.newSel(ctx, n, s.path.Child(def.Input), s.browser, false, false); err != nil {
			return nil, err
		}
		defer rt.releaseSel(ctx, input)
	}
	out, err := s.node.action(ctx, s, input)
	if err != nil || out == nil {
		return nil, err
	}
	if def.Output == nil {
		if _, ok := out.(*xNode); ok {
			if tmp, err := rt.newSel(ctx, out, s.path, s.browser, false, false); err == nil {
				rt.releaseSel(ctx, tmp)
			}
		}
		return nil, fmt.Errorf("%w: rpc %s has no output", ErrWrongKind, s.path)
	}
	outSel, err := rt.newSel(ctx, out, s.path.Child(def.Output), s.browser, false, false)
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldOutputHnd, uint64(outSel.hnd))}, nil
}

// notification relays events as selections; each belongs to the caller.
func (rt *Runtime) notification(ctx context.Context, req rpc.Request, send func([]tlv.Field) error) error {
	s, err := rt.selection(req)
	if err != nil {
		return err
	}
	if s.meta().Kind != meta.KindNotification {
		return fmt.Errorf("%w: %s is a %s, not a notification", ErrWrongKind, s.path, s.meta().Kind)
	}
	return s.node.notify(ctx, s, func(n rnode) error {
		msg, err := rt.newSel(ctx, n, s.path, s.browser, false, false)
		if err != nil {
			return err
		}
		if err := send(selField(msg)); err != nil {
			rt.releaseSel(context.Background(), msg)
			return err
		}
		return nil
	})
}

func (rt *Runtime) releaseCall(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	rt.release(ctx, handle.Handle(req.Fields.U64(schema.FieldHnd)))
	return nil, nil
}

// readJSON parses a JSON object into a remote-hosted node.
func (rt *Runtime) readJSON(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	var data map[string]any
	if err := json.Unmarshal(req.Fields.Bytes(schema.FieldJSON), &data); err != nil {
		return nil, fmt.Errorf("%w: json: %v", rpc.ErrInvalidRequest, err)
	}
	h, err := rt.nodeHandle(newDocument(data))
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldNodeHnd, uint64(h))}, nil
}

func (rt *Runtime) writeJSON(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	s, err := rt.selection(req)
	if err != nil {
		return nil, err
	}
	var out any
	if s.meta().IsLeaf() {
		return nil, fmt.Errorf("%w: %s is a leaf", ErrWrongKind, s.path)
	}
	if s.meta().IsList() && !s.insideList {
		out, err = walker{rt}.readItems(ctx, s)
	} else {
		out, err = walker{rt}.read(ctx, s)
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("remote: encode json: %w", err)
	}
	return []tlv.Field{tlv.Bytes(schema.FieldJSON, data)}, nil
}
