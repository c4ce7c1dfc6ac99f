package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrFieldMissing     = errors.New("tlv: field missing")
)

// Type IDs.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI64    uint8 = 8
	TypeF64    uint8 = 9
	TypeEmpty  uint8 = 10
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetAll returns every field carrying id, in wire order. Repeated ids encode
// lists (for example list keys).
func GetAll(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: putU64(v)}
}

func U32(id uint16, v uint32) Field {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return Field{ID: id, Type: TypeU32, Value: out}
}

func I64(id uint16, v int64) Field {
	return Field{ID: id, Type: TypeI64, Value: putU64(uint64(v))}
}

func F64(id uint16, v float64) Field {
	return Field{ID: id, Type: TypeF64, Value: putU64(math.Float64bits(v))}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

func Empty(id uint16) Field {
	return Field{ID: id, Type: TypeEmpty}
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// AsU64 decodes a TypeU64 field.
func (f Field) AsU64() (uint64, error) {
	if err := MustType(f, TypeU64); err != nil {
		return 0, err
	}
	return U64FromBytes(f.Value)
}

func (f Field) AsU32() (uint32, error) {
	if err := MustType(f, TypeU32); err != nil {
		return 0, err
	}
	return U32FromBytes(f.Value)
}

func (f Field) AsI64() (int64, error) {
	if err := MustType(f, TypeI64); err != nil {
		return 0, err
	}
	v, err := U64FromBytes(f.Value)
	return int64(v), err
}

func (f Field) AsF64() (float64, error) {
	if err := MustType(f, TypeF64); err != nil {
		return 0, err
	}
	v, err := U64FromBytes(f.Value)
	return math.Float64frombits(v), err
}

func (f Field) AsBool() (bool, error) {
	if err := MustType(f, TypeBool); err != nil {
		return false, err
	}
	if len(f.Value) != 1 || f.Value[0] > 1 {
		return false, fmt.Errorf("tlv: field %d invalid bool", f.ID)
	}
	return f.Value[0] == 1, nil
}

func (f Field) AsString() (string, error) {
	if err := MustType(f, TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

// Fields is a decoded payload with typed lookups. Absent optional fields read
// as zero values; use Require* when the field must be present.
type Fields []Field

func (fs Fields) U64(id uint16) uint64 {
	f, ok := GetField(fs, id)
	if !ok {
		return 0
	}
	v, _ := f.AsU64()
	return v
}

func (fs Fields) U32(id uint16) uint32 {
	f, ok := GetField(fs, id)
	if !ok {
		return 0
	}
	v, _ := f.AsU32()
	return v
}

func (fs Fields) Bool(id uint16) bool {
	f, ok := GetField(fs, id)
	if !ok {
		return false
	}
	v, _ := f.AsBool()
	return v
}

func (fs Fields) String(id uint16) string {
	f, ok := GetField(fs, id)
	if !ok {
		return ""
	}
	v, _ := f.AsString()
	return v
}

func (fs Fields) Bytes(id uint16) []byte {
	f, ok := GetField(fs, id)
	if !ok {
		return nil
	}
	return f.Value
}

func (fs Fields) Has(id uint16) bool {
	_, ok := GetField(fs, id)
	return ok
}

func putU64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}
