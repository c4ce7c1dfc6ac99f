// Package val carries leaf values across the bridge without interpreting them.
//
// A Value is a tagged scalar. The bridge moves values as TLV fields and never
// converts between kinds; coercion to a leaf type happens only at the edges
// (schema defaults, JSON input).
package val

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/danmuck/fcbridge/internal/protocol/tlv"
)

type Kind uint8

const (
	KindEmpty Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
)

var ErrUnsupportedType = errors.New("val: unsupported type")

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return "kind." + strconv.Itoa(int(k))
	}
}

// Value is one leaf value. The zero Value is empty.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	raw  []byte
}

func Empty() Value            { return Value{kind: KindEmpty} }
func Bool(v bool) Value       { return Value{kind: KindBool, b: v} }
func Int(v int64) Value       { return Value{kind: KindInt, i: v} }
func Uint(v uint64) Value     { return Value{kind: KindUint, u: v} }
func Float(v float64) Value   { return Value{kind: KindFloat, f: v} }
func String(v string) Value   { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value    { return Value{kind: KindBytes, raw: bytes.Clone(v)} }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

func (v Value) Bool() bool {
	return v.kind == KindBool && v.b
}

func (v Value) Int() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindUint:
		return int64(v.u)
	case KindFloat:
		return int64(v.f)
	}
	return 0
}

func (v Value) Uint() uint64 {
	switch v.kind {
	case KindUint:
		return v.u
	case KindInt:
		return uint64(v.i)
	case KindFloat:
		return uint64(v.f)
	}
	return 0
}

func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	case KindUint:
		return float64(v.u)
	}
	return 0
}

func (v Value) Str() string {
	if v.kind == KindString {
		return v.s
	}
	return ""
}

func (v Value) Raw() []byte {
	if v.kind == KindBytes {
		return v.raw
	}
	return nil
}

// Interface returns the Go value held by v, nil when empty.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	}
	return nil
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindEmpty:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindUint:
		return v.u == o.u
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return false
}

// String formats v for list keys and logs.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindUint:
		return strconv.FormatUint(v.u, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return fmt.Sprintf("%x", v.raw)
	}
	return ""
}

// Of wraps a Go scalar. Integer widths collapse to int64/uint64.
func Of(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Empty(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
}

// Encode renders v as a TLV field with the given id.
func Encode(id uint16, v Value) tlv.Field {
	switch v.kind {
	case KindBool:
		return tlv.Bool(id, v.b)
	case KindInt:
		return tlv.I64(id, v.i)
	case KindUint:
		return tlv.U64(id, v.u)
	case KindFloat:
		return tlv.F64(id, v.f)
	case KindString:
		return tlv.String(id, v.s)
	case KindBytes:
		return tlv.Bytes(id, v.raw)
	}
	return tlv.Empty(id)
}

// Decode is the inverse of Encode.
func Decode(f tlv.Field) (Value, error) {
	switch f.Type {
	case tlv.TypeEmpty:
		return Empty(), nil
	case tlv.TypeBool:
		b, err := f.AsBool()
		return Bool(b), err
	case tlv.TypeI64:
		i, err := f.AsI64()
		return Int(i), err
	case tlv.TypeU64:
		u, err := f.AsU64()
		return Uint(u), err
	case tlv.TypeF64:
		x, err := f.AsF64()
		return Float(x), err
	case tlv.TypeString:
		return String(string(f.Value)), nil
	case tlv.TypeBytes:
		return Bytes(f.Value), nil
	}
	return Value{}, fmt.Errorf("%w: tlv type %d", ErrUnsupportedType, f.Type)
}

// Coerce converts x to the kind a leaf of leafType stores. JSON numbers
// arrive as float64 and YAML integers as int, so numeric kinds convert
// between each other when the value is integral.
func Coerce(leafType string, x any) (Value, error) {
	v, err := Of(x)
	if err != nil {
		return Value{}, err
	}
	if v.IsEmpty() {
		return v, nil
	}
	switch leafType {
	case "boolean":
		if v.kind == KindBool {
			return v, nil
		}
		if v.kind == KindString {
			b, err := strconv.ParseBool(v.s)
			if err != nil {
				return Value{}, fmt.Errorf("val: %q is not a boolean", v.s)
			}
			return Bool(b), nil
		}
	case "int32", "int64":
		switch v.kind {
		case KindInt:
			return v, nil
		case KindUint:
			if v.u > math.MaxInt64 {
				return Value{}, fmt.Errorf("val: %d overflows int64", v.u)
			}
			return Int(int64(v.u)), nil
		case KindFloat:
			if v.f != math.Trunc(v.f) {
				return Value{}, fmt.Errorf("val: %v is not integral", v.f)
			}
			return Int(int64(v.f)), nil
		case KindString:
			i, err := strconv.ParseInt(v.s, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("val: %q is not an integer", v.s)
			}
			return Int(i), nil
		}
	case "uint32", "uint64":
		switch v.kind {
		case KindUint:
			return v, nil
		case KindInt:
			if v.i < 0 {
				return Value{}, fmt.Errorf("val: %d is negative", v.i)
			}
			return Uint(uint64(v.i)), nil
		case KindFloat:
			if v.f < 0 || v.f != math.Trunc(v.f) {
				return Value{}, fmt.Errorf("val: %v is not an unsigned integer", v.f)
			}
			return Uint(uint64(v.f)), nil
		case KindString:
			u, err := strconv.ParseUint(v.s, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("val: %q is not an unsigned integer", v.s)
			}
			return Uint(u), nil
		}
	case "decimal64":
		switch v.kind {
		case KindFloat, KindInt, KindUint:
			return Float(v.Float()), nil
		case KindString:
			x, err := strconv.ParseFloat(v.s, 64)
			if err != nil {
				return Value{}, fmt.Errorf("val: %q is not a number", v.s)
			}
			return Float(x), nil
		}
	case "string":
		if v.kind == KindString {
			return v, nil
		}
		return String(v.String()), nil
	case "binary":
		switch v.kind {
		case KindBytes:
			return v, nil
		case KindString:
			return Bytes([]byte(v.s)), nil
		}
	case "empty":
		return Empty(), nil
	default:
		return Value{}, fmt.Errorf("%w: leaf type %q", ErrUnsupportedType, leafType)
	}
	return Value{}, fmt.Errorf("val: cannot use %s as %s", v.kind, leafType)
}
