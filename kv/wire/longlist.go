package wire

// TypeLongList is the wire discriminant for LongList.
const TypeLongList byte = 20

// NoValue marks an absent slot in a sparse LongList, letting long runs of
// unset TTLs or expire times stay cheap to build and scan.
const NoValue int64 = -1

// LongList is an ordered int64 sequence used as a per-index side channel
// (TTLs, expire times) on replication responses. It is itself a message so it
// can nest inside others.
type LongList struct {
	vals []int64
}

func NewLongList() *LongList { return &LongList{} }

func LongListOf(vals ...int64) *LongList {
	l := &LongList{vals: make([]int64, len(vals))}
	copy(l.vals, vals)
	return l
}

func (l *LongList) Append(v int64) { l.vals = append(l.vals, v) }

// AppendRun appends n copies of v, the run-friendly path for sparse slots.
func (l *LongList) AppendRun(v int64, n int) {
	for i := 0; i < n; i++ {
		l.vals = append(l.vals, v)
	}
}

// Get returns the value at i, or NoValue for an absent slot.
func (l *LongList) Get(i int) int64 {
	if l == nil || i < 0 || i >= len(l.vals) {
		return NoValue
	}
	return l.vals[i]
}

func (l *LongList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.vals)
}

func (l *LongList) Type() byte { return TypeLongList }

func (l *LongList) FieldsCount() byte { return 1 }

func (l *LongList) WriteTo(buf *Buffer, w *Writer) bool {
	if !w.HeaderWritten() {
		if !w.WriteHeader(buf, l.Type(), l.FieldsCount()) {
			return false
		}
		w.OnHeaderWritten()
	}
	switch w.State() {
	case 0:
		if !w.WriteInt64Array(buf, l.vals) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (l *LongList) ReadFrom(buf *Buffer, r *Reader) bool {
	switch r.State() {
	case 0:
		v, ok := r.ReadInt64Array(buf)
		if !ok {
			return false
		}
		l.vals = v
		r.IncrementState()
	}
	return true
}

func init() {
	RegisterMessage(TypeLongList, func() Message { return &LongList{} })
}
