package val

import (
	"errors"
	"testing"

	"github.com/danmuck/fcbridge/internal/protocol/tlv"
)

func TestEncodeDecodeKeepsKind(t *testing.T) {
	cases := []Value{Empty(), Bool(true), Int(-4), Uint(9), Float(2.5), String("gas"), Bytes([]byte{1, 2})}
	for _, in := range cases {
		f := Encode(30, in)
		if f.ID != 30 {
			t.Fatalf("field id=%d", f.ID)
		}
		fs, err := tlv.DecodeFields(tlv.EncodeField(f))
		if err != nil {
			t.Fatalf("decode fields: %v", err)
		}
		out, err := Decode(fs[0])
		if err != nil {
			t.Fatalf("decode %s: %v", in.Kind(), err)
		}
		if !out.Equal(in) {
			t.Fatalf("value changed: in=%v(%s) out=%v(%s)", in, in.Kind(), out, out.Kind())
		}
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(tlv.Field{ID: 1, Type: tlv.TypeU16, Value: []byte{0, 1}})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		leaf string
		in   any
		want Value
	}{
		{"boolean", true, Bool(true)},
		{"boolean", "false", Bool(false)},
		{"int32", float64(12), Int(12)},
		{"int64", 7, Int(7)},
		{"uint32", float64(3), Uint(3)},
		{"decimal64", 1, Float(1)},
		{"string", 5, String("5")},
		{"binary", "ab", Bytes([]byte("ab"))},
		{"int64", nil, Empty()},
	}
	for _, tc := range cases {
		got, err := Coerce(tc.leaf, tc.in)
		if err != nil {
			t.Fatalf("coerce %s %v: %v", tc.leaf, tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("coerce %s %v: got %v(%s) want %v(%s)", tc.leaf, tc.in, got, got.Kind(), tc.want, tc.want.Kind())
		}
	}
	if _, err := Coerce("int32", 1.5); err == nil {
		t.Fatalf("expected error for non-integral int")
	}
	if _, err := Coerce("uint64", -1); err == nil {
		t.Fatalf("expected error for negative uint")
	}
	if _, err := Coerce("enumeration", "x"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}
