package binary

import (
	"bytes"
	"math/big"
	"time"
)

// Kind enumerates the closed set of field kinds a binary object can carry.
// The Kind value doubles as the tag byte written in front of every encoded
// field.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindDecimal
	KindDate
	KindTimestamp
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDecimal:
		return "decimal"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Decimal is an arbitrary-precision decimal: Unscaled * 10^(-Scale).
type Decimal struct {
	Scale    int32
	Unscaled *big.Int
}

func (d *Decimal) Equal(o *Decimal) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Scale == o.Scale && d.Unscaled.Cmp(o.Unscaled) == 0
}

// Value is a tagged union over the field kinds. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    []byte
	dec  *Decimal
	obj  *Object
	t    time.Time
}

func NullValue() Value { return Value{} }

func BoolValue(v bool) Value {
	var i int64
	if v {
		i = 1
	}
	return Value{kind: KindBool, i: i}
}

func Int8Value(v int8) Value        { return Value{kind: KindInt8, i: int64(v)} }
func Int16Value(v int16) Value      { return Value{kind: KindInt16, i: int64(v)} }
func Int32Value(v int32) Value      { return Value{kind: KindInt32, i: int64(v)} }
func Int64Value(v int64) Value      { return Value{kind: KindInt64, i: v} }
func Float32Value(v float32) Value  { return Value{kind: KindFloat32, f: float64(v)} }
func Float64Value(v float64) Value  { return Value{kind: KindFloat64, f: v} }
func StringValue(v string) Value    { return Value{kind: KindString, b: []byte(v)} }
func BytesValue(v []byte) Value     { return Value{kind: KindBytes, b: v} }
func DecimalValue(v *Decimal) Value { return Value{kind: KindDecimal, dec: v} }
func DateValue(v time.Time) Value   { return Value{kind: KindDate, t: v} }
func ObjectValue(v *Object) Value   { return Value{kind: KindObject, obj: v} }

func TimestampValue(v time.Time) Value { return Value{kind: KindTimestamp, t: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) GetBool() bool       { return v.i != 0 }
func (v Value) GetInt8() int8       { return int8(v.i) }
func (v Value) GetInt16() int16     { return int16(v.i) }
func (v Value) GetInt32() int32     { return int32(v.i) }
func (v Value) GetInt64() int64     { return v.i }
func (v Value) GetFloat32() float32 { return float32(v.f) }
func (v Value) GetFloat64() float64 { return v.f }
func (v Value) GetString() string   { return string(v.b) }
func (v Value) GetBytes() []byte    { return v.b }
func (v Value) GetDecimal() *Decimal { return v.dec }
func (v Value) GetTime() time.Time  { return v.t }
func (v Value) GetObject() *Object  { return v.obj }

// Equal compares two values field by field. Nested objects compare by their
// addressed byte ranges.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i == o.i
	case KindFloat32, KindFloat64:
		return v.f == o.f
	case KindString, KindBytes:
		return bytes.Equal(v.b, o.b)
	case KindDecimal:
		return v.dec.Equal(o.dec)
	case KindDate, KindTimestamp:
		return v.t.Equal(o.t)
	case KindObject:
		if v.obj == nil || o.obj == nil {
			return v.obj == o.obj
		}
		return bytes.Equal(v.obj.Bytes(), o.obj.Bytes())
	}
	return false
}
