package remote

import (
	"context"
	"fmt"

	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/val"
)

// walker runs tree operations that span many selections. Every selection it
// opens is released before the operation returns.
type walker struct {
	rt *Runtime
}

// dataDefs lists the data definitions below d with choices resolved through
// the node. rpc and notification definitions are not data.
func (w walker) dataDefs(ctx context.Context, sel *rsel, d *meta.Def) ([]*meta.Def, error) {
	var out []*meta.Def
	for _, c := range d.Children {
		switch c.Kind {
		case meta.KindRpc, meta.KindNotification:
			continue
		case meta.KindChoice:
			cs, err := sel.node.choose(ctx, sel, c)
			if err != nil {
				return nil, err
			}
			if cs == nil {
				continue
			}
			sub, err := w.dataDefs(ctx, sel, cs)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

func (w walker) enter(ctx context.Context, parent *rsel, n rnode, d *meta.Def) (*rsel, error) {
	return w.rt.newSel(ctx, n, parent.path.Child(d), parent.browser, false, false)
}

// read renders the data below sel as JSON-shaped values. Leaves without a
// value report their default.
func (w walker) read(ctx context.Context, sel *rsel) (map[string]any, error) {
	defs, err := w.dataDefs(ctx, sel, sel.meta())
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(defs))
	for _, d := range defs {
		switch d.Kind {
		case meta.KindLeaf:
			v, err := sel.node.field(ctx, sel, fieldReq{def: d})
			if err != nil {
				return nil, err
			}
			if v.IsEmpty() {
				v = meta.DefaultValue(d)
			}
			if !v.IsEmpty() {
				out[d.Ident] = v.Interface()
			}
		case meta.KindContainer:
			n, err := sel.node.child(ctx, sel, childReq{def: d})
			if err != nil {
				return nil, err
			}
			if n == nil {
				continue
			}
			sub, err := w.readChild(ctx, sel, n, d)
			if err != nil {
				return nil, err
			}
			out[d.Ident] = sub
		case meta.KindList:
			n, err := sel.node.child(ctx, sel, childReq{def: d})
			if err != nil {
				return nil, err
			}
			if n == nil {
				continue
			}
			items, err := w.readList(ctx, sel, n, d)
			if err != nil {
				return nil, err
			}
			out[d.Ident] = items
		}
	}
	return out, nil
}

func (w walker) readChild(ctx context.Context, parent *rsel, n rnode, d *meta.Def) (map[string]any, error) {
	child, err := w.enter(ctx, parent, n, d)
	if err != nil {
		return nil, err
	}
	defer w.rt.releaseSel(ctx, child)
	return w.read(ctx, child)
}

func (w walker) readList(ctx context.Context, parent *rsel, n rnode, d *meta.Def) ([]any, error) {
	list, err := w.enter(ctx, parent, n, d)
	if err != nil {
		return nil, err
	}
	defer w.rt.releaseSel(ctx, list)
	return w.readItems(ctx, list)
}

func (w walker) readItems(ctx context.Context, list *rsel) ([]any, error) {
	items := []any{}
	err := w.eachItem(ctx, list, func(item *rsel, _ []val.Value) error {
		data, err := w.read(ctx, item)
		if err != nil {
			return err
		}
		items = append(items, data)
		return nil
	})
	return items, err
}

// eachItem visits list items by row until the node reports no more.
func (w walker) eachItem(ctx context.Context, list *rsel, fn func(item *rsel, key []val.Value) error) error {
	for row := int64(0); ; row++ {
		n, key, err := list.node.next(ctx, list, nextReq{row: row, first: row == 0})
		if err != nil {
			return err
		}
		if n == nil {
			return nil
		}
		item, err := w.item(ctx, list, n, key)
		if err != nil {
			return err
		}
		err = fn(item, key)
		w.rt.releaseSel(ctx, item)
		if err != nil {
			return err
		}
	}
}

func (w walker) item(ctx context.Context, list *rsel, n rnode, key []val.Value) (*rsel, error) {
	p := list.path
	if len(key) > 0 {
		strs := make([]string, len(key))
		for i, k := range key {
			strs[i] = k.String()
		}
		p = p.WithKey(strs)
	}
	return w.rt.newSel(ctx, n, p, list.browser, true, false)
}

type editMode int

const (
	modeUpsert editMode = iota
	modeInsert
	modeUpdate
	modeReplace
)

type editPlan struct {
	mode        editMode
	setDefaults bool
	// into copies from the edit's node to the selection
	into bool
}

var editPlans = map[uint32]editPlan{
	schema.EditUpsertInto:            {mode: modeUpsert, into: true},
	schema.EditUpsertFrom:            {mode: modeUpsert},
	schema.EditInsertInto:            {mode: modeInsert, into: true},
	schema.EditInsertFrom:            {mode: modeInsert},
	schema.EditUpdateInto:            {mode: modeUpdate, into: true},
	schema.EditUpdateFrom:            {mode: modeUpdate},
	schema.EditReplaceFrom:           {mode: modeReplace},
	schema.EditUpsertIntoSetDefaults: {mode: modeUpsert, setDefaults: true, into: true},
	schema.EditUpsertFromSetDefaults: {mode: modeUpsert, setDefaults: true},
}

// edit copies configuration from src to dst, both over the same path.
func (w walker) edit(ctx context.Context, plan editPlan, src, dst *rsel) error {
	if err := dst.node.beginEdit(ctx, dst, editReq{}); err != nil {
		return err
	}
	if err := w.copy(ctx, plan, src, dst); err != nil {
		return err
	}
	return dst.node.endEdit(ctx, dst, editReq{})
}

func (w walker) copy(ctx context.Context, plan editPlan, src, dst *rsel) error {
	defs, err := w.dataDefs(ctx, src, src.meta())
	if err != nil {
		return err
	}
	if plan.mode == modeReplace {
		if err := w.clearMissing(ctx, src, dst, defs); err != nil {
			return err
		}
	}
	for _, d := range defs {
		if !d.IsConfig() {
			continue
		}
		switch d.Kind {
		case meta.KindLeaf:
			err = w.copyLeaf(ctx, plan, src, dst, d)
		case meta.KindContainer:
			err = w.copyContainer(ctx, plan, src, dst, d)
		case meta.KindList:
			err = w.copyList(ctx, plan, src, dst, d)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w walker) copyLeaf(ctx context.Context, plan editPlan, src, dst *rsel, d *meta.Def) error {
	v, err := src.node.field(ctx, src, fieldReq{def: d})
	if err != nil {
		return err
	}
	if v.IsEmpty() {
		if !plan.setDefaults || !d.HasDefault() {
			return nil
		}
		v = meta.DefaultValue(d)
	}
	_, err = dst.node.field(ctx, dst, fieldReq{def: d, write: true, value: v})
	return err
}

func (w walker) copyContainer(ctx context.Context, plan editPlan, src, dst *rsel, d *meta.Def) error {
	from, err := src.node.child(ctx, src, childReq{def: d})
	if err != nil || from == nil {
		return err
	}
	to, created, err := w.target(ctx, plan, dst, d)
	if err != nil || to == nil {
		w.drop(ctx, src, from, d)
		return err
	}
	return w.copyInto(ctx, plan, src, dst, from, to, d, created)
}

// target finds or creates the child d of dst that an edit writes into. A nil
// node without an error means the edit skips d.
func (w walker) target(ctx context.Context, plan editPlan, dst *rsel, d *meta.Def) (rnode, bool, error) {
	to, err := dst.node.child(ctx, dst, childReq{def: d})
	if err != nil {
		return nil, false, err
	}
	switch {
	case to != nil && plan.mode == modeInsert && d.Kind == meta.KindContainer:
		w.drop(ctx, dst, to, d)
		return nil, false, fmt.Errorf("%w: %s", ErrExists, dst.path.Child(d))
	case to != nil:
		return to, false, nil
	case plan.mode == modeUpdate:
		return nil, false, nil
	}
	if to, err = dst.node.child(ctx, dst, childReq{def: d, create: true}); err != nil {
		return nil, false, err
	}
	if to == nil {
		return nil, false, fmt.Errorf("%s %s was not created", d.Kind, dst.path.Child(d))
	}
	return to, true, nil
}

// drop lets go of a node the walk fetched but does not descend into. A
// locally hosted node is released with its last selection, so one is opened
// and closed over it.
func (w walker) drop(ctx context.Context, parent *rsel, n rnode, d *meta.Def) {
	if _, ok := n.(*xNode); !ok {
		return
	}
	if s, err := w.enter(ctx, parent, n, d); err == nil {
		w.rt.releaseSel(ctx, s)
	}
}

func (w walker) dropItem(ctx context.Context, list *rsel, n rnode, key []val.Value) {
	if _, ok := n.(*xNode); !ok {
		return
	}
	if s, err := w.item(ctx, list, n, key); err == nil {
		w.rt.releaseSel(ctx, s)
	}
}

func (w walker) copyInto(ctx context.Context, plan editPlan, src, dst *rsel, from, to rnode, d *meta.Def, created bool) error {
	fromSel, err := w.enter(ctx, src, from, d)
	if err != nil {
		return err
	}
	defer w.rt.releaseSel(ctx, fromSel)
	toSel, err := w.enter(ctx, dst, to, d)
	if err != nil {
		return err
	}
	defer w.rt.releaseSel(ctx, toSel)
	if err := to.beginEdit(ctx, toSel, editReq{create: created}); err != nil {
		return err
	}
	if err := w.copy(ctx, plan, fromSel, toSel); err != nil {
		return err
	}
	return to.endEdit(ctx, toSel, editReq{create: created})
}

func (w walker) copyList(ctx context.Context, plan editPlan, src, dst *rsel, d *meta.Def) error {
	from, err := src.node.child(ctx, src, childReq{def: d})
	if err != nil || from == nil {
		return err
	}
	to, _, err := w.target(ctx, plan, dst, d)
	if err != nil || to == nil {
		w.drop(ctx, src, from, d)
		return err
	}
	fromList, err := w.enter(ctx, src, from, d)
	if err != nil {
		w.drop(ctx, dst, to, d)
		return err
	}
	defer w.rt.releaseSel(ctx, fromList)
	toList, err := w.enter(ctx, dst, to, d)
	if err != nil {
		return err
	}
	defer w.rt.releaseSel(ctx, toList)

	return w.eachItem(ctx, fromList, func(fromItem *rsel, key []val.Value) error {
		if len(key) == 0 {
			return fmt.Errorf("list %s item has no key", fromList.path)
		}
		existing, _, err := to.next(ctx, toList, nextReq{key: key})
		if err != nil {
			return err
		}
		target, created := existing, false
		switch {
		case existing != nil && plan.mode == modeInsert:
			w.dropItem(ctx, toList, existing, key)
			return fmt.Errorf("%w: %s", ErrExists, fromItem.path)
		case existing == nil && plan.mode == modeUpdate:
			return nil
		case existing == nil:
			if target, _, err = to.next(ctx, toList, nextReq{key: key, create: true}); err != nil {
				return err
			}
			if target == nil {
				return fmt.Errorf("list item %s was not created", fromItem.path)
			}
			created = true
		}
		toItem, err := w.item(ctx, toList, target, key)
		if err != nil {
			return err
		}
		defer w.rt.releaseSel(ctx, toItem)
		if err := target.beginEdit(ctx, toItem, editReq{create: created}); err != nil {
			return err
		}
		if err := w.copy(ctx, plan, fromItem, toItem); err != nil {
			return err
		}
		return target.endEdit(ctx, toItem, editReq{create: created})
	})
}

// clearMissing removes configuration from dst that src does not have.
func (w walker) clearMissing(ctx context.Context, src, dst *rsel, srcDefs []*meta.Def) error {
	present := make(map[*meta.Def]bool, len(srcDefs))
	for _, d := range srcDefs {
		switch d.Kind {
		case meta.KindLeaf:
			v, err := src.node.field(ctx, src, fieldReq{def: d})
			if err != nil {
				return err
			}
			present[d] = !v.IsEmpty()
		default:
			n, err := src.node.child(ctx, src, childReq{def: d})
			if err != nil {
				return err
			}
			present[d] = n != nil
			w.drop(ctx, src, n, d)
		}
	}
	dstDefs, err := w.dataDefs(ctx, dst, dst.meta())
	if err != nil {
		return err
	}
	for _, d := range dstDefs {
		if !d.IsConfig() || present[d] {
			continue
		}
		if d.Kind == meta.KindLeaf {
			_, err = dst.node.field(ctx, dst, fieldReq{def: d, clear: true})
		} else {
			_, err = dst.node.child(ctx, dst, childReq{def: d, delete: true})
		}
		if err != nil {
			return err
		}
	}
	// lists are rebuilt from src
	for _, d := range srcDefs {
		if d.Kind == meta.KindList && d.IsConfig() && present[d] {
			if _, err := dst.node.child(ctx, dst, childReq{def: d, delete: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

// find walks a relative path from sel. A segment with no data ends the walk
// with a nil selection.
func (w walker) find(ctx context.Context, sel *rsel, rel string) (*rsel, error) {
	segs, err := meta.SplitRelative(rel)
	if err != nil {
		return nil, err
	}
	cur := sel
	release := func(s *rsel) {
		if s != sel {
			w.rt.releaseSel(ctx, s)
		}
	}
	for _, seg := range segs {
		d, err := meta.GetDef(cur.meta(), seg.Ident)
		if err != nil {
			release(cur)
			return nil, err
		}
		next, err := w.step(ctx, cur, d, seg)
		release(cur)
		if err != nil || next == nil {
			return nil, err
		}
		cur = next
	}
	if cur == sel {
		return w.rt.newSel(ctx, sel.node, sel.path, sel.browser, sel.insideList, false)
	}
	return cur, nil
}

func (w walker) step(ctx context.Context, cur *rsel, d *meta.Def, seg meta.RelSegment) (*rsel, error) {
	switch d.Kind {
	case meta.KindContainer, meta.KindList:
		n, err := cur.node.child(ctx, cur, childReq{def: d})
		if err != nil || n == nil {
			return nil, err
		}
		next, err := w.enter(ctx, cur, n, d)
		if err != nil || d.Kind == meta.KindContainer || len(seg.Key) == 0 {
			return next, err
		}
		defer w.rt.releaseSel(ctx, next)
		key, err := coerceKey(d, seg.Key)
		if err != nil {
			return nil, err
		}
		item, itemKey, err := n.next(ctx, next, nextReq{key: key})
		if err != nil || item == nil {
			return nil, err
		}
		if len(itemKey) == 0 {
			itemKey = key
		}
		return w.item(ctx, next, item, itemKey)
	case meta.KindRpc, meta.KindNotification, meta.KindInput, meta.KindOutput:
		return w.rt.newSel(ctx, cur.node, cur.path.Child(d), cur.browser, false, false)
	}
	return nil, fmt.Errorf("%w: cannot select %s %q", ErrWrongKind, d.Kind, d.Ident)
}

func coerceKey(list *meta.Def, raw []string) ([]val.Value, error) {
	defs := list.KeyDefs()
	if len(raw) != len(defs) {
		return nil, fmt.Errorf("%w: list %q takes %d key values, got %d", ErrWrongKind, list.Ident, len(defs), len(raw))
	}
	key := make([]val.Value, len(raw))
	for i, kd := range defs {
		v, err := val.Coerce(kd.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kd.Ident, err)
		}
		key[i] = v
	}
	return key, nil
}
