package wire

// maxFieldLen guards length prefixes; anything larger is treated as garbage.
const maxFieldLen = 1 << 30

// Reader is the decode half of the state machine for one message instance.
// It mirrors Writer: each field either completes and advances the state or
// leaves all progress in scratch for the next call.
type Reader struct {
	state       int
	declaredCnt byte
	err         error

	// scratch for the field currently in progress
	prim       uint64
	primOff    int
	lenRead    bool
	len32      int32
	arr        []byte
	arrOff     int
	typRead    bool
	itemIdx    int
	itemLen    int32
	itemSeen   bool
	bcol       [][]byte
	i32col     []int32
	i64arr     []int64
	markerDone bool
	present    bool
	childMsg   Message
	child      *Reader
}

func NewReader() *Reader { return &Reader{} }

func (r *Reader) State() int { return r.state }

func (r *Reader) IncrementState() { r.state++ }

// Err reports a fatal codec fault. Once set the message instance is dead.
func (r *Reader) Err() error { return r.err }

// DeclaredFieldCount is the field count the peer wrote into the message
// header. A peer running older code may declare fewer fields than we know.
func (r *Reader) DeclaredFieldCount() byte { return r.declaredCnt }

// Reset makes the reader reusable for the next message.
func (r *Reader) Reset() {
	child := r.child
	*r = Reader{child: child}
	if child != nil {
		child.Reset()
	}
}

func (r *Reader) fault(reason string) {
	r.err = &CodecError{Reason: reason}
}

// readUint accumulates size little-endian bytes, possibly across calls.
func (r *Reader) readUint(buf *Buffer, size int) (uint64, bool) {
	for r.primOff < size {
		if buf.Remaining() == 0 {
			return 0, false
		}
		r.prim |= uint64(buf.Data[buf.Pos]) << (8 * uint(r.primOff))
		buf.Pos++
		r.primOff++
	}
	v := r.prim
	r.prim = 0
	r.primOff = 0
	return v, true
}

func (r *Reader) ReadUint8(buf *Buffer) (byte, bool) {
	v, ok := r.readUint(buf, 1)
	return byte(v), ok
}

func (r *Reader) ReadBool(buf *Buffer) (bool, bool) {
	v, ok := r.readUint(buf, 1)
	return v != 0, ok
}

func (r *Reader) ReadInt32(buf *Buffer) (int32, bool) {
	v, ok := r.readUint(buf, 4)
	return int32(uint32(v)), ok
}

func (r *Reader) ReadInt64(buf *Buffer) (int64, bool) {
	v, ok := r.readUint(buf, 8)
	return int64(v), ok
}

func (r *Reader) ReadUint64(buf *Buffer) (uint64, bool) {
	return r.readUint(buf, 8)
}

// readLen reads and validates a 4-byte length prefix. -1 means nil.
func (r *Reader) readLen(buf *Buffer) (int32, bool) {
	v, ok := r.readUint(buf, 4)
	if !ok {
		return 0, false
	}
	l := int32(uint32(v))
	if l < -1 || l > maxFieldLen {
		r.fault("garbage length prefix")
		return 0, false
	}
	return l, true
}

func (r *Reader) ReadByteArray(buf *Buffer) ([]byte, bool) {
	if !r.lenRead {
		l, ok := r.readLen(buf)
		if !ok {
			return nil, false
		}
		r.len32 = l
		r.lenRead = true
		if l > 0 {
			r.arr = make([]byte, l)
		}
	}
	if r.len32 == -1 {
		r.lenRead = false
		return nil, true
	}
	for r.arrOff < int(r.len32) {
		n := copy(r.arr[r.arrOff:], buf.Data[buf.Pos:])
		if n == 0 {
			return nil, false
		}
		buf.Pos += n
		r.arrOff += n
	}
	out := r.arr
	if out == nil {
		out = []byte{}
	}
	r.lenRead = false
	r.arr = nil
	r.arrOff = 0
	return out, true
}

func (r *Reader) ReadString(buf *Buffer) (string, bool) {
	b, ok := r.ReadByteArray(buf)
	if !ok {
		return "", false
	}
	return string(b), true
}

func (r *Reader) ReadInt64Array(buf *Buffer) ([]int64, bool) {
	if !r.lenRead {
		l, ok := r.readLen(buf)
		if !ok {
			return nil, false
		}
		r.len32 = l
		r.lenRead = true
		if l > 0 {
			r.i64arr = make([]int64, 0, l)
		}
	}
	if r.len32 == -1 {
		r.lenRead = false
		return nil, true
	}
	for r.itemIdx < int(r.len32) {
		v, ok := r.readUint(buf, 8)
		if !ok {
			return nil, false
		}
		r.i64arr = append(r.i64arr, int64(v))
		r.itemIdx++
	}
	out := r.i64arr
	if out == nil {
		out = []int64{}
	}
	r.lenRead = false
	r.i64arr = nil
	r.itemIdx = 0
	return out, true
}

func (r *Reader) ReadInt32Collection(buf *Buffer) ([]int32, bool) {
	if !r.lenRead {
		l, ok := r.readLen(buf)
		if !ok {
			return nil, false
		}
		r.len32 = l
		r.lenRead = true
	}
	if r.len32 == -1 {
		r.lenRead = false
		return nil, true
	}
	if !r.typRead {
		v, ok := r.readUint(buf, 1)
		if !ok {
			return nil, false
		}
		if byte(v) != ElemInt32 {
			r.fault("unexpected collection element type")
			return nil, false
		}
		r.typRead = true
		r.i32col = make([]int32, 0, r.len32)
	}
	for r.itemIdx < int(r.len32) {
		v, ok := r.readUint(buf, 4)
		if !ok {
			return nil, false
		}
		r.i32col = append(r.i32col, int32(uint32(v)))
		r.itemIdx++
	}
	out := r.i32col
	r.lenRead = false
	r.typRead = false
	r.i32col = nil
	r.itemIdx = 0
	return out, true
}

func (r *Reader) ReadByteArrayCollection(buf *Buffer) ([][]byte, bool) {
	if !r.lenRead {
		l, ok := r.readLen(buf)
		if !ok {
			return nil, false
		}
		r.len32 = l
		r.lenRead = true
	}
	if r.len32 == -1 {
		r.lenRead = false
		return nil, true
	}
	if !r.typRead {
		v, ok := r.readUint(buf, 1)
		if !ok {
			return nil, false
		}
		if byte(v) != ElemBytes {
			r.fault("unexpected collection element type")
			return nil, false
		}
		r.typRead = true
		r.bcol = make([][]byte, 0, r.len32)
	}
	for r.itemIdx < int(r.len32) {
		if !r.itemSeen {
			l, ok := r.readLen(buf)
			if !ok {
				return nil, false
			}
			r.itemLen = l
			r.itemSeen = true
			if l > 0 {
				r.arr = make([]byte, l)
			}
		}
		if r.itemLen == -1 {
			r.bcol = append(r.bcol, nil)
		} else {
			for r.arrOff < int(r.itemLen) {
				n := copy(r.arr[r.arrOff:], buf.Data[buf.Pos:])
				if n == 0 {
					return nil, false
				}
				buf.Pos += n
				r.arrOff += n
			}
			item := r.arr
			if item == nil {
				item = []byte{}
			}
			r.bcol = append(r.bcol, item)
		}
		r.itemSeen = false
		r.arr = nil
		r.arrOff = 0
		r.itemIdx++
	}
	out := r.bcol
	r.lenRead = false
	r.typRead = false
	r.bcol = nil
	r.itemIdx = 0
	return out, true
}

// ReadMessage reads a presence marker, constructs the nested message from its
// header type, and drives the nested state machine to completion.
func (r *Reader) ReadMessage(buf *Buffer) (Message, bool) {
	if !r.markerDone {
		v, ok := r.readUint(buf, 1)
		if !ok {
			return nil, false
		}
		r.markerDone = true
		r.present = v != 0
	}
	if !r.present {
		r.markerDone = false
		return nil, true
	}
	if r.childMsg == nil {
		v, ok := r.readUint(buf, 2)
		if !ok {
			return nil, false
		}
		m, err := NewMessage(byte(v))
		if err != nil {
			r.err = err
			return nil, false
		}
		r.childMsg = m
		if r.child == nil {
			r.child = NewReader()
		}
		r.child.declaredCnt = byte(v >> 8)
	}
	if !r.childMsg.ReadFrom(buf, r.child) {
		if r.child.err != nil {
			r.err = r.child.err
		}
		return nil, false
	}
	m := r.childMsg
	r.childMsg = nil
	r.child.Reset()
	r.markerDone = false
	return m, true
}
