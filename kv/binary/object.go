package binary

import (
	"math"
	"math/big"
	"sync/atomic"
	"time"
)

// Object is an immutable encoded value: a byte range (data, start) plus a
// lazily decoded field cache. An object whose range covers its whole backing
// buffer owns the bytes outright; anything else is a view into a shared
// buffer and must be detached before it is retained past the call that
// produced it.
type Object struct {
	data          []byte
	start         int
	detachAllowed bool

	// fields caches the fully decoded field list. Written at most once;
	// concurrent writers derive equal values, so losing the race is
	// harmless.
	fields atomic.Value // []Value
}

// NewObject wraps an encoded object starting at the given offset of data.
// The bytes are not validated beyond the header length.
func NewObject(data []byte, start int) (*Object, error) {
	if start < 0 || start+headerSize > len(data) {
		return nil, &DecodeError{Pos: start, Reason: "truncated header"}
	}
	o := &Object{data: data, start: start}
	l := o.Length()
	if l < headerSize || start+l > len(data) {
		return nil, &DecodeError{Pos: start, Reason: "bad total length"}
	}
	return o, nil
}

func (o *Object) Length() int    { return int(int32(readUint32(o.data, o.start+totalLenPos))) }
func (o *Object) TypeID() int32  { return int32(readUint32(o.data, o.start+typeIDPos)) }
func (o *Object) SchemaID() int32 { return int32(readUint32(o.data, o.start+schemaIDPos)) }
func (o *Object) Flags() uint16  { return readUint16(o.data, o.start+flagsPos) }
func (o *Object) Hash() int32    { return int32(readUint32(o.data, o.start+hashCodePos)) }

func (o *Object) schemaOffset() int { return int(int32(readUint32(o.data, o.start+schemaOffPos))) }

// Bytes returns the addressed byte range. For a view this aliases the shared
// backing buffer.
func (o *Object) Bytes() []byte {
	return o.data[o.start : o.start+o.Length()]
}

// Detached reports whether the object owns its backing bytes exclusively.
func (o *Object) Detached() bool {
	return o.start == 0 && o.Length() == len(o.data)
}

// SetDetachAllowed marks the object as backed by a transient buffer whose
// owner permits copying out. Only the boundary that knows the buffer's
// lifetime may set this.
func (o *Object) SetDetachAllowed(allowed bool) {
	o.detachAllowed = allowed
}

// Detach copies the addressed range into a freshly owned buffer. It is a
// no-op if the object is already detached or detaching is not allowed.
func (o *Object) Detach() *Object {
	if !o.detachAllowed || o.Detached() {
		return o
	}
	cp := make([]byte, o.Length())
	copy(cp, o.Bytes())
	return &Object{data: cp, start: 0}
}

// CheckSchema verifies the declared schema id against the expected one.
func (o *Object) CheckSchema(schemaID int32) error {
	if got := o.SchemaID(); got != schemaID {
		return &SchemaError{SchemaID: got, Reason: "declared schema does not match expected"}
	}
	return nil
}

func (o *Object) footer() (off, entrySize, offWidth, count int, err error) {
	flags := o.Flags()
	if flags&flagHasSchema == 0 {
		return 0, 0, 0, 0, nil
	}
	switch {
	case flags&flagOffsetOneByte != 0:
		offWidth = 1
	case flags&flagOffsetTwoBytes != 0:
		offWidth = 2
	default:
		offWidth = 4
	}
	entrySize = offWidth
	if flags&flagCompactFooter == 0 {
		entrySize += 4
	}
	off = o.schemaOffset()
	total := o.Length()
	if off < headerSize || off > total {
		return 0, 0, 0, 0, &DecodeError{Pos: off, Reason: "schema offset out of range"}
	}
	if (total-off)%entrySize != 0 {
		return 0, 0, 0, 0, &DecodeError{Pos: off, Reason: "footer size not a multiple of entry size"}
	}
	count = (total - off) / entrySize
	return off, entrySize, offWidth, count, nil
}

// FieldCount returns the number of fields recorded in the footer.
func (o *Object) FieldCount() (int, error) {
	_, _, _, n, err := o.footer()
	return n, err
}

// FieldByOrdinal addresses one field through the footer without decoding the
// rest of the object. It allocates nothing beyond the returned value.
func (o *Object) FieldByOrdinal(ord int) (Value, error) {
	footOff, entrySize, offWidth, count, err := o.footer()
	if err != nil {
		return Value{}, err
	}
	if ord < 0 || ord >= count {
		return Value{}, &DecodeError{Pos: footOff, Reason: "field ordinal out of range"}
	}
	slot := o.start + footOff + ord*entrySize + (entrySize - offWidth)
	var fieldOff int
	switch offWidth {
	case 1:
		fieldOff = int(o.data[slot])
	case 2:
		fieldOff = int(readUint16(o.data, slot))
	default:
		fieldOff = int(int32(readUint32(o.data, slot)))
	}
	if fieldOff < headerSize || fieldOff >= o.schemaOffset() {
		return Value{}, &DecodeError{Pos: fieldOff, Reason: "field offset out of range"}
	}
	v, _, err := o.decodeValue(o.start + fieldOff)
	return v, err
}

// FieldByID addresses one field by field id. Full footers carry the ids
// inline; compact footers resolve the ordinal through the registry.
func (o *Object) FieldByID(reg *SchemaRegistry, fieldID int32) (Value, error) {
	footOff, entrySize, _, count, err := o.footer()
	if err != nil {
		return Value{}, err
	}
	if o.Flags()&flagCompactFooter != 0 {
		if reg == nil {
			return Value{}, &SchemaError{SchemaID: o.SchemaID(), Reason: "compact footer needs a schema registry"}
		}
		ord, err := reg.Ordinal(o.SchemaID(), fieldID)
		if err != nil {
			return Value{}, err
		}
		return o.FieldByOrdinal(ord)
	}
	for ord := 0; ord < count; ord++ {
		slot := o.start + footOff + ord*entrySize
		if int32(readUint32(o.data, slot)) == fieldID {
			return o.FieldByOrdinal(ord)
		}
	}
	return Value{}, &SchemaError{SchemaID: o.SchemaID(), Reason: "field id not present"}
}

// Fields decodes every field structurally. The result is cached; computing it
// twice under contention produces equal slices, so the benign race is
// accepted.
func (o *Object) Fields() ([]Value, error) {
	if cached := o.fields.Load(); cached != nil {
		return cached.([]Value), nil
	}
	_, _, _, count, err := o.footer()
	if err != nil {
		return nil, err
	}
	vals := make([]Value, 0, count)
	pos := o.start + headerSize
	end := o.start + o.schemaOffset()
	for pos < end {
		v, next, err := o.decodeValue(pos)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		pos = next
	}
	if len(vals) != count {
		return nil, &DecodeError{Pos: pos, Reason: "payload field count does not match footer"}
	}
	o.fields.Store(vals)
	return vals, nil
}

// decodeValue decodes the tagged value at an absolute position in the backing
// buffer and returns the position just past it.
func (o *Object) decodeValue(pos int) (Value, int, error) {
	end := o.start + o.Length()
	if pos >= end {
		return Value{}, 0, &DecodeError{Pos: pos, Reason: "field position past object end"}
	}
	tag := Kind(o.data[pos])
	pos++
	need := func(n int) error {
		if pos+n > end {
			return &DecodeError{Pos: pos, Reason: "truncated field"}
		}
		return nil
	}
	switch tag {
	case KindNull:
		return NullValue(), pos, nil
	case KindBool:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		return BoolValue(o.data[pos] != 0), pos + 1, nil
	case KindInt8:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		return Int8Value(int8(o.data[pos])), pos + 1, nil
	case KindInt16:
		if err := need(2); err != nil {
			return Value{}, 0, err
		}
		return Int16Value(int16(readUint16(o.data, pos))), pos + 2, nil
	case KindInt32:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		return Int32Value(int32(readUint32(o.data, pos))), pos + 4, nil
	case KindInt64:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return Int64Value(int64(readUint64(o.data, pos))), pos + 8, nil
	case KindFloat32:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		return Float32Value(math.Float32frombits(readUint32(o.data, pos))), pos + 4, nil
	case KindFloat64:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return Float64Value(math.Float64frombits(readUint64(o.data, pos))), pos + 8, nil
	case KindString, KindBytes:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		l := int(int32(readUint32(o.data, pos)))
		pos += 4
		if l < 0 || pos+l > end {
			return Value{}, 0, &DecodeError{Pos: pos, Reason: "bad length prefix"}
		}
		b := o.data[pos : pos+l]
		if tag == KindString {
			return StringValue(string(b)), pos + l, nil
		}
		cp := make([]byte, l)
		copy(cp, b)
		return BytesValue(cp), pos + l, nil
	case KindDecimal:
		return o.decodeDecimal(pos, end)
	case KindDate:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		millis := int64(readUint64(o.data, pos))
		return DateValue(time.Unix(0, millis*int64(time.Millisecond)).UTC()), pos + 8, nil
	case KindTimestamp:
		if err := need(12); err != nil {
			return Value{}, 0, err
		}
		millis := int64(readUint64(o.data, pos))
		nanos := int64(int32(readUint32(o.data, pos+8)))
		return TimestampValue(time.Unix(0, millis*int64(time.Millisecond)+nanos).UTC()), pos + 12, nil
	case KindObject:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		l := int(int32(readUint32(o.data, pos)))
		pos += 4
		if l < headerSize || pos+l > end {
			return Value{}, 0, &DecodeError{Pos: pos, Reason: "bad nested object length"}
		}
		nested, err := NewObject(o.data, pos)
		if err != nil {
			return Value{}, 0, err
		}
		if nested.Length() != l {
			return Value{}, 0, &DecodeError{Pos: pos, Reason: "nested object length mismatch"}
		}
		// The nested view shares our backing buffer, so it inherits our
		// detach permission.
		nested.detachAllowed = o.detachAllowed || o.Detached()
		return ObjectValue(nested), pos + l, nil
	}
	return Value{}, 0, &DecodeError{Pos: pos - 1, Reason: "unknown tag byte"}
}

func (o *Object) decodeDecimal(pos, end int) (Value, int, error) {
	if pos+8 > end {
		return Value{}, 0, &DecodeError{Pos: pos, Reason: "truncated decimal"}
	}
	raw := readUint32(o.data, pos)
	// The scale's sign bit negates the magnitude, not the decimal's own
	// sign. Preserved for wire compatibility.
	neg := raw&0x80000000 != 0
	scale := int32(raw & 0x7fffffff)
	l := int(int32(readUint32(o.data, pos+4)))
	pos += 8
	if l < 0 || pos+l > end {
		return Value{}, 0, &DecodeError{Pos: pos, Reason: "bad decimal length prefix"}
	}
	mag := new(big.Int).SetBytes(o.data[pos : pos+l])
	if neg {
		mag.Neg(mag)
	}
	return DecimalValue(&Decimal{Scale: scale, Unscaled: mag}), pos + l, nil
}
