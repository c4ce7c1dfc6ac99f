package bridge

import (
	"context"

	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/val"
)

// Basic is a local node assembled from functions. Unset navigation and data
// functions report ErrUnsupported; unset hooks do nothing.
type Basic struct {
	Registration

	OnChoose    func(sel *Selection, choice *meta.Def) (*meta.Def, error)
	OnChild     func(r ChildRequest) (Node, error)
	OnNext      func(r ListRequest) (Node, []val.Value, error)
	OnField     func(r FieldRequest, hnd *ValueHandle) error
	OnAction    func(r ActionRequest) (Node, error)
	OnNotify    func(r NotificationRequest) (func(), error)
	OnBeginEdit func(r NodeRequest) error
	OnEndEdit   func(r NodeRequest) error
	OnContext   func(ctx context.Context, sel *Selection) error
	OnRelease   func(sel *Selection)
}

func (b *Basic) Choose(sel *Selection, choice *meta.Def) (*meta.Def, error) {
	if b.OnChoose == nil {
		return nil, unsupported("Choose", b)
	}
	return b.OnChoose(sel, choice)
}

func (b *Basic) Child(r ChildRequest) (Node, error) {
	if b.OnChild == nil {
		return nil, unsupported("Child", b)
	}
	return b.OnChild(r)
}

func (b *Basic) Next(r ListRequest) (Node, []val.Value, error) {
	if b.OnNext == nil {
		return nil, nil, unsupported("Next", b)
	}
	return b.OnNext(r)
}

func (b *Basic) Field(r FieldRequest, hnd *ValueHandle) error {
	if b.OnField == nil {
		return unsupported("Field", b)
	}
	return b.OnField(r, hnd)
}

func (b *Basic) Action(r ActionRequest) (Node, error) {
	if b.OnAction == nil {
		return nil, unsupported("Action", b)
	}
	return b.OnAction(r)
}

func (b *Basic) Notify(r NotificationRequest) (func(), error) {
	if b.OnNotify == nil {
		return nil, unsupported("Notify", b)
	}
	return b.OnNotify(r)
}

func (b *Basic) BeginEdit(r NodeRequest) error {
	if b.OnBeginEdit == nil {
		return nil
	}
	return b.OnBeginEdit(r)
}

func (b *Basic) EndEdit(r NodeRequest) error {
	if b.OnEndEdit == nil {
		return nil
	}
	return b.OnEndEdit(r)
}

func (b *Basic) Context(ctx context.Context, sel *Selection) error {
	if b.OnContext == nil {
		return nil
	}
	return b.OnContext(ctx, sel)
}

func (b *Basic) Release(sel *Selection) {
	if b.OnRelease != nil {
		b.OnRelease(sel)
	}
}
