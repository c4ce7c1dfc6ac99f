package bridge

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/fcbridge/internal/handle"
	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/val"
)

// Node is one schema-bound data element. The base contract is handle
// ownership: a node carries a handle only while it is registered with the
// peer. Everything a node can do is expressed by the optional capability
// interfaces below; the reverse service checks for them per call.
//
// Node values are used as map keys while a handle is minted, so
// implementations must be comparable, usually pointers.
type Node interface {
	Handle() handle.Handle
	SetHandle(handle.Handle)
}

// Chooser picks the active case of a choice.
type Chooser interface {
	Choose(sel *Selection, choice *meta.Def) (*meta.Def, error)
}

// Childer returns the node for a container child, nil when absent.
type Childer interface {
	Child(r ChildRequest) (Node, error)
}

// Lister iterates, looks up, creates and deletes list items.
type Lister interface {
	Next(r ListRequest) (Node, []val.Value, error)
}

// Fielder reads or writes one leaf through hnd.
type Fielder interface {
	Field(r FieldRequest, hnd *ValueHandle) error
}

// Actioner runs an rpc and returns its output node, nil for no output.
type Actioner interface {
	Action(r ActionRequest) (Node, error)
}

// Notifier starts delivering notifications through r.Send. The returned
// closer stops delivery and is always called once the stream ends.
type Notifier interface {
	Notify(r NotificationRequest) (closer func(), err error)
}

// Editor brackets edits made below a selection.
type Editor interface {
	BeginEdit(r NodeRequest) error
	EndEdit(r NodeRequest) error
}

// Contexter is told when a selection over the node is entered.
type Contexter interface {
	Context(ctx context.Context, sel *Selection) error
}

// Releaser is told when the peer drops the last selection over the node.
type Releaser interface {
	Release(sel *Selection)
}

// ValueHandle carries a leaf value in or out of Field.
type ValueHandle struct {
	Val val.Value
}

// Registration implements the Node handle contract and is meant to be
// embedded.
type Registration struct {
	hnd atomic.Uint64
}

func (r *Registration) Handle() handle.Handle { return handle.Handle(r.hnd.Load()) }

func (r *Registration) SetHandle(h handle.Handle) { r.hnd.Store(uint64(h)) }

// RemoteRef stands in for a node hosted by the peer. It has no capabilities
// of its own: operations on selections over it are forwarded by handle.
type RemoteRef struct {
	hnd    handle.Handle
	driver *Driver
}

func (r *RemoteRef) Handle() handle.Handle { return r.hnd }

// SetHandle is a no-op; a remote reference's handle is fixed by the peer.
func (r *RemoteRef) SetHandle(handle.Handle) {}

// Driver returns the session the reference belongs to.
func (r *RemoteRef) Driver() *Driver { return r.driver }

func isRemote(n Node) bool {
	_, ok := n.(*RemoteRef)
	return ok
}
