package binary

import (
	"math"
	"time"

	"github.com/pingcap/errors"
)

// Writer builds one binary object. Fields are appended in ordinal order; the
// header length and schema offset are backfilled by Marshal once all field
// offsets are known.
type Writer struct {
	typeID   int32
	schemaID int32
	compact  bool

	fieldIDs []int32
	offsets  []uint32 // object-relative offset of each field's tag byte
	data     []byte   // payload under construction
}

func NewWriter(typeID, schemaID int32) *Writer {
	return &Writer{typeID: typeID, schemaID: schemaID, compact: true}
}

// SetCompactFooter controls whether field ids are written into the footer.
// Compact footers need a schema registry on the read side to address fields
// by id.
func (w *Writer) SetCompactFooter(on bool) {
	w.compact = on
}

// Append encodes one field. Fields are addressed later by the ordinal of the
// Append call, or by fieldID when the footer is not compact.
func (w *Writer) Append(fieldID int32, v Value) error {
	w.fieldIDs = append(w.fieldIDs, fieldID)
	w.offsets = append(w.offsets, uint32(headerSize+len(w.data)))
	return w.appendValue(v)
}

func (w *Writer) appendValue(v Value) error {
	w.data = append(w.data, byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindBool:
		b := byte(0)
		if v.i != 0 {
			b = 1
		}
		w.data = append(w.data, b)
	case KindInt8:
		w.data = append(w.data, byte(v.i))
	case KindInt16:
		w.data = appendUint16(w.data, uint16(v.i))
	case KindInt32:
		w.data = appendUint32(w.data, uint32(v.i))
	case KindInt64:
		w.data = appendUint64(w.data, uint64(v.i))
	case KindFloat32:
		w.data = appendUint32(w.data, math.Float32bits(float32(v.f)))
	case KindFloat64:
		w.data = appendUint64(w.data, math.Float64bits(v.f))
	case KindString, KindBytes:
		w.data = appendUint32(w.data, uint32(len(v.b)))
		w.data = append(w.data, v.b...)
	case KindDecimal:
		if v.dec == nil || v.dec.Unscaled == nil {
			return errors.New("binary: nil decimal")
		}
		// A negative value folds its sign into the scale's high bit and
		// encodes the magnitude. Peers depend on this exact convention.
		scale := uint32(v.dec.Scale)
		mag := v.dec.Unscaled.Bytes()
		if v.dec.Unscaled.Sign() < 0 {
			scale |= 0x80000000
		}
		w.data = appendUint32(w.data, scale)
		w.data = appendUint32(w.data, uint32(len(mag)))
		w.data = append(w.data, mag...)
	case KindDate:
		w.data = appendUint64(w.data, uint64(v.t.UnixNano()/int64(time.Millisecond)))
	case KindTimestamp:
		millis := v.t.UnixNano() / int64(time.Millisecond)
		nanos := v.t.UnixNano() - millis*int64(time.Millisecond)
		w.data = appendUint64(w.data, uint64(millis))
		w.data = appendUint32(w.data, uint32(nanos))
	case KindObject:
		if v.obj == nil {
			return errors.New("binary: nil nested object")
		}
		raw := v.obj.Bytes()
		w.data = appendUint32(w.data, uint32(len(raw)))
		w.data = append(w.data, raw...)
	default:
		return errors.Errorf("binary: cannot encode kind %s", v.kind)
	}
	return nil
}

// Marshal assembles the final object. The returned object owns its bytes
// outright.
func (w *Writer) Marshal() (*Object, error) {
	// The footer offset width is chosen by the largest field offset, the
	// smallest width that fits wins.
	maxOff := uint32(headerSize)
	if n := len(w.offsets); n > 0 {
		maxOff = w.offsets[n-1]
	}
	var offWidth int
	var flags uint16
	switch {
	case maxOff <= math.MaxUint8:
		offWidth = 1
		flags |= flagOffsetOneByte
	case maxOff <= math.MaxUint16:
		offWidth = 2
		flags |= flagOffsetTwoBytes
	default:
		offWidth = 4
	}
	if len(w.offsets) > 0 {
		flags |= flagHasSchema
	}
	entrySize := offWidth
	if w.compact {
		flags |= flagCompactFooter
	} else {
		entrySize += 4
	}

	schemaOff := headerSize + len(w.data)
	total := schemaOff + len(w.offsets)*entrySize
	if total > math.MaxInt32 {
		return nil, errors.New("binary: object too large")
	}

	buf := make([]byte, 0, total)
	buf = appendUint32(buf, uint32(total))
	buf = appendUint32(buf, uint32(w.typeID))
	buf = appendUint32(buf, uint32(w.schemaID))
	buf = appendUint16(buf, flags)
	buf = appendUint32(buf, uint32(hashPayload(w.data)))
	buf = appendUint32(buf, uint32(schemaOff))
	buf = append(buf, w.data...)
	for i, off := range w.offsets {
		if !w.compact {
			buf = appendUint32(buf, uint32(w.fieldIDs[i]))
		}
		switch offWidth {
		case 1:
			buf = append(buf, byte(off))
		case 2:
			buf = appendUint16(buf, uint16(off))
		default:
			buf = appendUint32(buf, off)
		}
	}
	return &Object{data: buf, start: 0}, nil
}

// Marshal builds an object from values in one call. Field ids are the
// ordinals.
func Marshal(typeID, schemaID int32, vals ...Value) (*Object, error) {
	w := NewWriter(typeID, schemaID)
	for i, v := range vals {
		if err := w.Append(int32(i), v); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return w.Marshal()
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64(b []byte, v uint64) []byte {
	b = appendUint32(b, uint32(v))
	return appendUint32(b, uint32(v>>32))
}
