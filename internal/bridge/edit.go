package bridge

import (
	"context"
	"fmt"

	"github.com/danmuck/fcbridge/internal/protocol/schema"
	"github.com/danmuck/fcbridge/internal/protocol/tlv"
)

// EditOp selects how an edit merges data. Into moves the node's data into
// the selection, From moves the selection's data out to the node. The
// merge itself happens in the Remote Runtime's walker.
type EditOp uint32

const (
	UpsertInto            = EditOp(schema.EditUpsertInto)
	UpsertFrom            = EditOp(schema.EditUpsertFrom)
	InsertInto            = EditOp(schema.EditInsertInto)
	InsertFrom            = EditOp(schema.EditInsertFrom)
	UpdateInto            = EditOp(schema.EditUpdateInto)
	UpdateFrom            = EditOp(schema.EditUpdateFrom)
	ReplaceFrom           = EditOp(schema.EditReplaceFrom)
	UpsertIntoSetDefaults = EditOp(schema.EditUpsertIntoSetDefaults)
	UpsertFromSetDefaults = EditOp(schema.EditUpsertFromSetDefaults)
)

var editOpNames = map[EditOp]string{
	UpsertInto:            "UpsertInto",
	UpsertFrom:            "UpsertFrom",
	InsertInto:            "InsertInto",
	InsertFrom:            "InsertFrom",
	UpdateInto:            "UpdateInto",
	UpdateFrom:            "UpdateFrom",
	ReplaceFrom:           "ReplaceFrom",
	UpsertIntoSetDefaults: "UpsertIntoSetDefaults",
	UpsertFromSetDefaults: "UpsertFromSetDefaults",
}

func (op EditOp) String() string {
	if n, ok := editOpNames[op]; ok {
		return n
	}
	return fmt.Sprintf("EditOp(%d)", uint32(op))
}

func (s *Selection) UpsertInto(ctx context.Context, n Node) error {
	return s.Edit(ctx, UpsertInto, n)
}

func (s *Selection) UpsertFrom(ctx context.Context, n Node) error {
	return s.Edit(ctx, UpsertFrom, n)
}

func (s *Selection) InsertInto(ctx context.Context, n Node) error {
	return s.Edit(ctx, InsertInto, n)
}

func (s *Selection) InsertFrom(ctx context.Context, n Node) error {
	return s.Edit(ctx, InsertFrom, n)
}

func (s *Selection) UpdateInto(ctx context.Context, n Node) error {
	return s.Edit(ctx, UpdateInto, n)
}

func (s *Selection) UpdateFrom(ctx context.Context, n Node) error {
	return s.Edit(ctx, UpdateFrom, n)
}

func (s *Selection) ReplaceFrom(ctx context.Context, n Node) error {
	return s.Edit(ctx, ReplaceFrom, n)
}

func (s *Selection) UpsertIntoSetDefaults(ctx context.Context, n Node) error {
	return s.Edit(ctx, UpsertIntoSetDefaults, n)
}

func (s *Selection) UpsertFromSetDefaults(ctx context.Context, n Node) error {
	return s.Edit(ctx, UpsertFromSetDefaults, n)
}

// Edit registers n if needed and sends one tagged edit.
func (s *Selection) Edit(ctx context.Context, op EditOp, n Node) error {
	if _, ok := editOpNames[op]; !ok {
		return fmt.Errorf("bridge: unknown edit op %d", uint32(op))
	}
	if n == nil {
		return fmt.Errorf("bridge: %s needs a node", op)
	}
	nodeHnd, err := s.driver.ensureHandle(ctx, n)
	if err != nil {
		return err
	}
	_, err = s.driver.call(ctx, schema.MsgSelectionEdit, s.hnd,
		tlv.U32(schema.FieldEditOp, uint32(op)),
		tlv.U64(schema.FieldSelHnd, uint64(s.hnd)),
		tlv.U64(schema.FieldNodeHnd, uint64(nodeHnd)))
	return err
}
