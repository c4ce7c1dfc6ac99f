package bridge

import (
	"context"

	"github.com/danmuck/fcbridge/internal/meta"
	"github.com/danmuck/fcbridge/internal/val"
)

// Request bundles are built per inbound call and dropped after dispatch.
// Their context is the inbound call's; it ends when the peer gives up.

type ChildRequest struct {
	ctx       context.Context
	Selection *Selection
	Meta      *meta.Def
	New       bool
	Delete    bool
}

func (r ChildRequest) Context() context.Context { return orBackground(r.ctx) }

type ListRequest struct {
	ctx       context.Context
	Selection *Selection
	Meta      *meta.Def
	New       bool
	Delete    bool
	Row       int64
	First     bool
	// Key is set when looking up, creating or deleting a specific item.
	Key []val.Value
}

func (r ListRequest) Context() context.Context { return orBackground(r.ctx) }

type FieldRequest struct {
	ctx       context.Context
	Selection *Selection
	Meta      *meta.Def
	Write     bool
	Clear     bool
}

func (r FieldRequest) Context() context.Context { return orBackground(r.ctx) }

type ActionRequest struct {
	ctx       context.Context
	Selection *Selection
	Meta      *meta.Def
	// Input is nil when the rpc was called without input.
	Input *Selection
}

func (r ActionRequest) Context() context.Context { return orBackground(r.ctx) }

type NotificationRequest struct {
	ctx       context.Context
	Selection *Selection
	Meta      *meta.Def
	queue     *notifyQueue
}

func (r NotificationRequest) Context() context.Context { return orBackground(r.ctx) }

// Send queues n for delivery and never blocks. Sending nil ends the stream.
// It reports false once the stream has closed.
func (r NotificationRequest) Send(n Node) bool {
	if n == nil {
		return r.queue.end()
	}
	return r.queue.put(n)
}

type NodeRequest struct {
	ctx       context.Context
	Selection *Selection
	New       bool
	Delete    bool
}

func (r NodeRequest) Context() context.Context { return orBackground(r.ctx) }

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
