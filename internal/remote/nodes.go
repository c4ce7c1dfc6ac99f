package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/val"
)

// rnode is what the walker navigates. Remote-hosted data implements it
// directly; locally hosted nodes implement it as reverse calls.
type rnode interface {
	child(ctx context.Context, sel *rsel, r childReq) (rnode, error)
	next(ctx context.Context, sel *rsel, r nextReq) (rnode, []val.Value, error)
	field(ctx context.Context, sel *rsel, r fieldReq) (val.Value, error)
	choose(ctx context.Context, sel *rsel, choice *meta.Def) (*meta.Def, error)
	action(ctx context.Context, sel *rsel, input *rsel) (rnode, error)
	notify(ctx context.Context, sel *rsel, fn func(rnode) error) error
	beginEdit(ctx context.Context, sel *rsel, r editReq) error
	endEdit(ctx context.Context, sel *rsel, r editReq) error
}

type childReq struct {
	def    *meta.Def
	create bool
	delete bool
}

type nextReq struct {
	create bool
	delete bool
	row    int64
	first  bool
	key    []val.Value
}

type fieldReq struct {
	def   *meta.Def
	write bool
	clear bool
	value val.Value
}

type editReq struct {
	create bool
	delete bool
}

// document guards one tree of JSON-shaped data. Containers are
// map[string]any, lists []any of containers, leaves either raw decoded JSON
// or val.Value once written.
type document struct {
	mu sync.Mutex
}

type mapNode struct {
	doc  *document
	data map[string]any
}

func newDocument(data map[string]any) *mapNode {
	if data == nil {
		data = make(map[string]any)
	}
	return &mapNode{doc: &document{}, data: data}
}

func (m *mapNode) child(_ context.Context, _ *rsel, r childReq) (rnode, error) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	ident := r.def.Ident
	if r.delete {
		delete(m.data, ident)
		return nil, nil
	}
	switch r.def.Kind {
	case meta.KindList:
		if _, ok := m.data[ident].([]any); !ok {
			if !r.create {
				return nil, nil
			}
			m.data[ident] = []any{}
		}
		return &listNode{doc: m.doc, parent: m.data, ident: ident}, nil
	case meta.KindContainer:
		sub, ok := m.data[ident].(map[string]any)
		if !ok {
			if !r.create {
				return nil, nil
			}
			sub = make(map[string]any)
			m.data[ident] = sub
		}
		return &mapNode{doc: m.doc, data: sub}, nil
	}
	return nil, fmt.Errorf("%w: child %q is a %s", ErrWrongKind, ident, r.def.Kind)
}

func (m *mapNode) next(context.Context, *rsel, nextReq) (rnode, []val.Value, error) {
	return nil, nil, unsupported("next", m)
}

func (m *mapNode) field(_ context.Context, _ *rsel, r fieldReq) (val.Value, error) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	ident := r.def.Ident
	switch {
	case r.clear:
		delete(m.data, ident)
		return val.Empty(), nil
	case r.write:
		m.data[ident] = r.value
		return val.Empty(), nil
	}
	raw, ok := m.data[ident]
	if !ok {
		return val.Empty(), nil
	}
	v, err := val.Coerce(r.def.Type, raw)
	if err != nil {
		return val.Empty(), fmt.Errorf("field %q: %w", ident, err)
	}
	return v, nil
}

// choose picks the first case with data present.
func (m *mapNode) choose(_ context.Context, _ *rsel, choice *meta.Def) (*meta.Def, error) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	for _, cs := range choice.Cases {
		for _, d := range cs.Children {
			if _, ok := m.data[d.Ident]; ok {
				return cs, nil
			}
		}
	}
	return nil, nil
}

func (m *mapNode) action(context.Context, *rsel, *rsel) (rnode, error) {
	return nil, unsupported("action", m)
}

func (m *mapNode) notify(context.Context, *rsel, func(rnode) error) error {
	return unsupported("notify", m)
}

func (m *mapNode) beginEdit(context.Context, *rsel, editReq) error { return nil }
func (m *mapNode) endEdit(context.Context, *rsel, editReq) error   { return nil }

type listNode struct {
	doc    *document
	parent map[string]any
	ident  string
}

func (l *listNode) child(context.Context, *rsel, childReq) (rnode, error) {
	return nil, unsupported("child", l)
}

func (l *listNode) next(_ context.Context, sel *rsel, r nextReq) (rnode, []val.Value, error) {
	def := sel.meta()
	keyDefs := def.KeyDefs()
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	items, _ := l.parent[l.ident].([]any)

	if len(r.key) > 0 {
		i := slices.IndexFunc(items, func(it any) bool {
			m, ok := it.(map[string]any)
			return ok && keyEqual(m, keyDefs, r.key)
		})
		switch {
		case r.delete:
			if i >= 0 {
				l.parent[l.ident] = slices.Delete(items, i, i+1)
			}
			return nil, nil, nil
		case i >= 0:
			return &mapNode{doc: l.doc, data: items[i].(map[string]any)}, r.key, nil
		case r.create:
			item := make(map[string]any, len(keyDefs))
			for j, kd := range keyDefs {
				if j < len(r.key) {
					item[kd.Ident] = r.key[j]
				}
			}
			l.parent[l.ident] = append(items, item)
			return &mapNode{doc: l.doc, data: item}, r.key, nil
		}
		return nil, nil, nil
	}

	if r.row < 0 || r.row >= int64(len(items)) {
		return nil, nil, nil
	}
	item, ok := items[r.row].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("list %q row %d is not an object", l.ident, r.row)
	}
	key, err := keyOf(item, keyDefs)
	if err != nil {
		return nil, nil, err
	}
	return &mapNode{doc: l.doc, data: item}, key, nil
}

func (l *listNode) field(context.Context, *rsel, fieldReq) (val.Value, error) {
	return val.Empty(), unsupported("field", l)
}

func (l *listNode) choose(context.Context, *rsel, *meta.Def) (*meta.Def, error) {
	return nil, unsupported("choose", l)
}

func (l *listNode) action(context.Context, *rsel, *rsel) (rnode, error) {
	return nil, unsupported("action", l)
}

func (l *listNode) notify(context.Context, *rsel, func(rnode) error) error {
	return unsupported("notify", l)
}

func (l *listNode) beginEdit(context.Context, *rsel, editReq) error { return nil }
func (l *listNode) endEdit(context.Context, *rsel, editReq) error   { return nil }

func keyOf(item map[string]any, keyDefs []*meta.Def) ([]val.Value, error) {
	key := make([]val.Value, 0, len(keyDefs))
	for _, kd := range keyDefs {
		v, err := val.Coerce(kd.Type, item[kd.Ident])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kd.Ident, err)
		}
		key = append(key, v)
	}
	return key, nil
}

func keyEqual(item map[string]any, keyDefs []*meta.Def, key []val.Value) bool {
	got, err := keyOf(item, keyDefs)
	if err != nil || len(got) != len(key) {
		return false
	}
	for i := range got {
		if !got[i].Equal(key[i]) {
			return false
		}
	}
	return true
}
