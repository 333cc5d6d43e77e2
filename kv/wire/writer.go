package wire

// Writer is the encode half of the state machine for one message instance.
// The state cursor starts at 0 and each field is assigned the next state;
// a field that cannot be fully written leaves the state untouched and the
// next call with a fresh buffer resumes it. Single-threaded per message.
type Writer struct {
	state      int
	hdrWritten bool

	// scratch for the field currently in progress
	primOff    int
	lenDone    bool
	typDone    bool
	itemIdx    int
	itemLenOff int
	arrOff     int
	markerDone bool
	child      *Writer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) State() int { return w.state }

func (w *Writer) IncrementState() { w.state++ }

func (w *Writer) HeaderWritten() bool { return w.hdrWritten }

func (w *Writer) OnHeaderWritten() { w.hdrWritten = true }

// Reset makes the writer reusable for the next message.
func (w *Writer) Reset() {
	child := w.child
	*w = Writer{child: child}
	if child != nil {
		child.Reset()
	}
}

// writeUint emits size little-endian bytes of v, possibly across calls.
func (w *Writer) writeUint(buf *Buffer, v uint64, size int) bool {
	for w.primOff < size {
		if buf.Remaining() == 0 {
			return false
		}
		buf.Data[buf.Pos] = byte(v >> (8 * uint(w.primOff)))
		buf.Pos++
		w.primOff++
	}
	w.primOff = 0
	return true
}

// WriteHeader emits the message type discriminant and declared field count.
func (w *Writer) WriteHeader(buf *Buffer, typ, fieldsCount byte) bool {
	return w.writeUint(buf, uint64(typ)|uint64(fieldsCount)<<8, 2)
}

func (w *Writer) WriteUint8(buf *Buffer, v byte) bool {
	return w.writeUint(buf, uint64(v), 1)
}

func (w *Writer) WriteBool(buf *Buffer, v bool) bool {
	b := uint64(0)
	if v {
		b = 1
	}
	return w.writeUint(buf, b, 1)
}

func (w *Writer) WriteInt32(buf *Buffer, v int32) bool {
	return w.writeUint(buf, uint64(uint32(v)), 4)
}

func (w *Writer) WriteInt64(buf *Buffer, v int64) bool {
	return w.writeUint(buf, uint64(v), 8)
}

func (w *Writer) WriteUint64(buf *Buffer, v uint64) bool {
	return w.writeUint(buf, v, 8)
}

// WriteByteArray emits a length-prefixed byte array. A nil array is encoded
// with length -1.
func (w *Writer) WriteByteArray(buf *Buffer, b []byte) bool {
	if !w.lenDone {
		l := int32(len(b))
		if b == nil {
			l = -1
		}
		if !w.writeUint(buf, uint64(uint32(l)), 4) {
			return false
		}
		w.lenDone = true
	}
	for w.arrOff < len(b) {
		n := copy(buf.Data[buf.Pos:], b[w.arrOff:])
		if n == 0 {
			return false
		}
		buf.Pos += n
		w.arrOff += n
	}
	w.lenDone = false
	w.arrOff = 0
	return true
}

func (w *Writer) WriteString(buf *Buffer, s string) bool {
	if !w.lenDone {
		if !w.writeUint(buf, uint64(uint32(int32(len(s)))), 4) {
			return false
		}
		w.lenDone = true
	}
	for w.arrOff < len(s) {
		n := copy(buf.Data[buf.Pos:], s[w.arrOff:])
		if n == 0 {
			return false
		}
		buf.Pos += n
		w.arrOff += n
	}
	w.lenDone = false
	w.arrOff = 0
	return true
}

// WriteInt64Array emits a count-prefixed sequence of 8-byte values with no
// element discriminant; both sides agree on the shape.
func (w *Writer) WriteInt64Array(buf *Buffer, a []int64) bool {
	if !w.lenDone {
		l := int32(len(a))
		if a == nil {
			l = -1
		}
		if !w.writeUint(buf, uint64(uint32(l)), 4) {
			return false
		}
		w.lenDone = true
	}
	for w.itemIdx < len(a) {
		if !w.writeUint(buf, uint64(a[w.itemIdx]), 8) {
			return false
		}
		w.itemIdx++
	}
	w.lenDone = false
	w.itemIdx = 0
	return true
}

// WriteInt32Collection emits a counted, element-typed collection of int32.
func (w *Writer) WriteInt32Collection(buf *Buffer, col []int32) bool {
	if !w.lenDone {
		l := int32(len(col))
		if col == nil {
			l = -1
		}
		if !w.writeUint(buf, uint64(uint32(l)), 4) {
			return false
		}
		w.lenDone = true
	}
	if col == nil {
		w.lenDone = false
		return true
	}
	if !w.typDone {
		if !w.writeUint(buf, uint64(ElemInt32), 1) {
			return false
		}
		w.typDone = true
	}
	for w.itemIdx < len(col) {
		if !w.writeUint(buf, uint64(uint32(col[w.itemIdx])), 4) {
			return false
		}
		w.itemIdx++
	}
	w.lenDone = false
	w.typDone = false
	w.itemIdx = 0
	return true
}

// WriteByteArrayCollection emits a counted, element-typed collection of
// length-prefixed byte arrays. Individual nil items keep their nil-ness.
func (w *Writer) WriteByteArrayCollection(buf *Buffer, col [][]byte) bool {
	if !w.lenDone {
		l := int32(len(col))
		if col == nil {
			l = -1
		}
		if !w.writeUint(buf, uint64(uint32(l)), 4) {
			return false
		}
		w.lenDone = true
	}
	if col == nil {
		w.lenDone = false
		return true
	}
	if !w.typDone {
		if !w.writeUint(buf, uint64(ElemBytes), 1) {
			return false
		}
		w.typDone = true
	}
	for w.itemIdx < len(col) {
		item := col[w.itemIdx]
		if w.itemLenOff == 0 {
			l := int32(len(item))
			if item == nil {
				l = -1
			}
			if !w.writeUint(buf, uint64(uint32(l)), 4) {
				return false
			}
			w.itemLenOff = 1
		}
		for w.arrOff < len(item) {
			n := copy(buf.Data[buf.Pos:], item[w.arrOff:])
			if n == 0 {
				return false
			}
			buf.Pos += n
			w.arrOff += n
		}
		w.itemLenOff = 0
		w.arrOff = 0
		w.itemIdx++
	}
	w.lenDone = false
	w.typDone = false
	w.itemIdx = 0
	return true
}

// WriteMessage emits a presence marker followed by the nested message, which
// runs its own state machine against the same buffer.
func (w *Writer) WriteMessage(buf *Buffer, m Message) bool {
	if !w.markerDone {
		b := uint64(1)
		if m == nil {
			b = 0
		}
		if !w.writeUint(buf, b, 1) {
			return false
		}
		w.markerDone = true
	}
	if m == nil {
		w.markerDone = false
		return true
	}
	if w.child == nil {
		w.child = NewWriter()
	}
	if !m.WriteTo(buf, w.child) {
		return false
	}
	w.child.Reset()
	w.markerDone = false
	return true
}
