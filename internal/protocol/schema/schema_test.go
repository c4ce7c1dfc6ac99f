package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/danmuck/fcbridge/internal/testutil/testlog"
)

func TestValidateSelectionEditRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldEditOp, 1),
		tlv.U64(FieldSelHnd, 10),
		tlv.U64(FieldNodeHnd, 11),
	}
	if err := Validate(MsgSelectionEdit, fields); err != nil {
		t.Fatalf("validate edit: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldSelHnd, 10),
		tlv.String(FieldPath, "a/b"),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgFind, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgXField, []tlv.Field{tlv.U64(FieldSelHnd, 3)})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldMetaIdent || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgXChild, []tlv.Field{tlv.U32(FieldSelHnd, 3), tlv.String(FieldMetaIdent, "a")})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldSelHnd || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if err := Validate(4242, nil); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
	if Name(4242) != "msg.4242" || Name(MsgXNext) != "XNext" {
		t.Fatalf("unexpected names %q %q", Name(4242), Name(MsgXNext))
	}
}

func TestValidateResponseAllowsAbsentOptionalHandles(t *testing.T) {
	testlog.Start(t)
	if err := ValidateResponse(MsgFind, nil); err != nil {
		t.Fatalf("find response without handle should be valid: %v", err)
	}
	if err := ValidateResponse(MsgGetSelection, []tlv.Field{tlv.U64(FieldNodeHnd, 1)}); err == nil {
		t.Fatalf("expected missing path fields")
	}
}
