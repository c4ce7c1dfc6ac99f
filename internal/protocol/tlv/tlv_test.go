package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsPreservesUnknownAndOrder(t *testing.T) {
	in := []Field{
		U64(1, 99),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
		String(2, "a"),
		String(2, "b"),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	reps := GetAll(out, 2)
	if len(reps) != 2 || string(reps[0].Value) != "a" || string(reps[1].Value) != "b" {
		t.Fatalf("repeated fields out of order: %+v", reps)
	}
}

func TestTypedAccessors(t *testing.T) {
	fs := Fields{U64(1, 7), I64(2, -3), F64(3, 1.5), Bool(4, true), String(5, "x"), Empty(6)}
	if fs.U64(1) != 7 {
		t.Fatalf("u64")
	}
	if v, err := fs[1].AsI64(); err != nil || v != -3 {
		t.Fatalf("i64 v=%d err=%v", v, err)
	}
	if v, err := fs[2].AsF64(); err != nil || v != 1.5 {
		t.Fatalf("f64 v=%v err=%v", v, err)
	}
	if !fs.Bool(4) || fs.String(5) != "x" || !fs.Has(6) {
		t.Fatalf("bool/string/empty lookups failed")
	}
	if fs.U64(100) != 0 || fs.Has(100) {
		t.Fatalf("absent field should read as zero")
	}
	if _, err := fs[3].AsU64(); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
