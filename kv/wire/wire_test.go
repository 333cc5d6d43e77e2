package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHeader plays the supertype role: its fields occupy states 0..1 and the
// embedding message continues the numbering from testHeaderFields.
type testHeader struct {
	id  uint64
	tag int32
}

const testHeaderFields = 2

func (h *testHeader) writeTo(buf *Buffer, w *Writer) bool {
	switch w.State() {
	case 0:
		if !w.WriteUint64(buf, h.id) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 1:
		if !w.WriteInt32(buf, h.tag) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (h *testHeader) readFrom(buf *Buffer, r *Reader) bool {
	switch r.State() {
	case 0:
		v, ok := r.ReadUint64(buf)
		if !ok {
			return false
		}
		h.id = v
		r.IncrementState()
		fallthrough
	case 1:
		v, ok := r.ReadInt32(buf)
		if !ok {
			return false
		}
		h.tag = v
		r.IncrementState()
	}
	return true
}

type testMessage struct {
	testHeader
	flag  bool
	name  string
	blob  []byte
	idxs  []int32
	parts [][]byte
	ttls  *LongList
}

const typeTestMessage byte = 99

func (m *testMessage) Type() byte { return typeTestMessage }

func (m *testMessage) FieldsCount() byte { return testHeaderFields + 6 }

func (m *testMessage) WriteTo(buf *Buffer, w *Writer) bool {
	if !w.HeaderWritten() {
		if !w.WriteHeader(buf, m.Type(), m.FieldsCount()) {
			return false
		}
		w.OnHeaderWritten()
	}
	if !m.testHeader.writeTo(buf, w) {
		return false
	}
	switch w.State() {
	case 2:
		if !w.WriteBool(buf, m.flag) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 3:
		if !w.WriteString(buf, m.name) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 4:
		if !w.WriteByteArray(buf, m.blob) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 5:
		if !w.WriteInt32Collection(buf, m.idxs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 6:
		if !w.WriteByteArrayCollection(buf, m.parts) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 7:
		var ll Message
		if m.ttls != nil {
			ll = m.ttls
		}
		if !w.WriteMessage(buf, ll) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (m *testMessage) ReadFrom(buf *Buffer, r *Reader) bool {
	if !m.testHeader.readFrom(buf, r) {
		return false
	}
	switch r.State() {
	case 2:
		v, ok := r.ReadBool(buf)
		if !ok {
			return false
		}
		m.flag = v
		r.IncrementState()
		fallthrough
	case 3:
		v, ok := r.ReadString(buf)
		if !ok {
			return false
		}
		m.name = v
		r.IncrementState()
		fallthrough
	case 4:
		v, ok := r.ReadByteArray(buf)
		if !ok {
			return false
		}
		m.blob = v
		r.IncrementState()
		fallthrough
	case 5:
		v, ok := r.ReadInt32Collection(buf)
		if !ok {
			return false
		}
		m.idxs = v
		r.IncrementState()
		fallthrough
	case 6:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.parts = v
		r.IncrementState()
		fallthrough
	case 7:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.ttls = v.(*LongList)
		}
		r.IncrementState()
	}
	return true
}

func init() {
	RegisterMessage(typeTestMessage, func() Message { return &testMessage{} })
}

func sampleMessage(blobLen int) *testMessage {
	blob := make([]byte, blobLen)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	return &testMessage{
		testHeader: testHeader{id: 0xDEADBEEF01, tag: -12},
		flag:       true,
		name:       "grid-cache",
		blob:       blob,
		idxs:       []int32{0, -1, 1 << 30},
		parts:      [][]byte{{1, 2, 3}, nil, {}},
		ttls:       LongListOf(5, NoValue, NoValue, 900),
	}
}

func assertEqualMessage(t *testing.T, want, got *testMessage) {
	t.Helper()
	require.Equal(t, want.testHeader, got.testHeader)
	assert.Equal(t, want.flag, got.flag)
	assert.Equal(t, want.name, got.name)
	assert.True(t, bytes.Equal(want.blob, got.blob))
	assert.Equal(t, want.idxs, got.idxs)
	require.Equal(t, len(want.parts), len(got.parts))
	for i := range want.parts {
		if want.parts[i] == nil {
			assert.Nil(t, got.parts[i], "part %d", i)
		} else {
			assert.True(t, bytes.Equal(want.parts[i], got.parts[i]), "part %d", i)
		}
	}
	require.True(t, reflect.DeepEqual(want.ttls, got.ttls))
}

func TestSingleShotRoundTrip(t *testing.T) {
	msg := sampleMessage(100)
	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assertEqualMessage(t, msg, decoded.(*testMessage))
}

func TestReadResumableAtEverySplit(t *testing.T) {
	msg := sampleMessage(40)
	data, err := Marshal(msg)
	require.NoError(t, err)

	for cut := 1; cut < len(data); cut++ {
		dec := NewDecoder()
		m, err := dec.Decode(&Buffer{Data: data[:cut]})
		require.NoError(t, err, "cut %d", cut)
		require.Nil(t, m, "cut %d: message finished early", cut)
		m, err = dec.Decode(&Buffer{Data: data[cut:]})
		require.NoError(t, err, "cut %d", cut)
		require.NotNil(t, m, "cut %d", cut)
		assertEqualMessage(t, msg, m.(*testMessage))
	}
}

func TestReadResumableTinyChunks(t *testing.T) {
	msg := sampleMessage(64)
	data, err := Marshal(msg)
	require.NoError(t, err)

	for _, size := range []int{1, 2, 3, 5, 7} {
		dec := NewDecoder()
		var got Message
		for off := 0; off < len(data); off += size {
			end := off + size
			if end > len(data) {
				end = len(data)
			}
			m, err := dec.Decode(&Buffer{Data: data[off:end]})
			require.NoError(t, err)
			if m != nil {
				require.Equal(t, len(data), end, "message finished before input ran out")
				got = m
			}
		}
		require.NotNil(t, got, "chunk size %d", size)
		assertEqualMessage(t, msg, got.(*testMessage))
	}
}

func TestWriteResumableUndersizedBuffer(t *testing.T) {
	msg := sampleMessage(200)
	want, err := Marshal(msg)
	require.NoError(t, err)

	for _, size := range []int{1, 3, 5, 16} {
		enc := NewEncoder()
		buf := NewBuffer(size)
		var out []byte
		for {
			done := enc.Encode(buf, msg)
			out = append(out, buf.Bytes()...)
			buf.Reset()
			if done {
				break
			}
		}
		assert.True(t, bytes.Equal(want, out), "buffer size %d", size)
	}
}

// A 10 KB byte array carried through 64-byte transport buffers in 64-byte
// increments must decode to the original message unchanged.
func TestLargeArrayThroughSmallTransportBuffers(t *testing.T) {
	msg := sampleMessage(10 * 1024)

	enc := NewEncoder()
	buf := NewBuffer(64)
	var stream []byte
	for {
		done := enc.Encode(buf, msg)
		stream = append(stream, buf.Bytes()...)
		buf.Reset()
		if done {
			break
		}
	}

	dec := NewDecoder()
	var got Message
	for off := 0; off < len(stream); off += 64 {
		end := off + 64
		if end > len(stream) {
			end = len(stream)
		}
		m, err := dec.Decode(&Buffer{Data: stream[off:end]})
		require.NoError(t, err)
		if m != nil {
			got = m
		}
	}
	require.NotNil(t, got)
	assertEqualMessage(t, msg, got.(*testMessage))
}

func TestGarbageLengthPrefixIsFatal(t *testing.T) {
	// Header, supertype fields, flag, then a corrupt string length.
	data := []byte{typeTestMessage, 8}
	data = append(data, make([]byte, 8)...) // id
	data = append(data, make([]byte, 4)...) // tag
	data = append(data, 1)                  // flag
	data = append(data, 0xFB, 0xFF, 0xFF, 0xFF)

	dec := NewDecoder()
	_, err := dec.Decode(&Buffer{Data: data})
	require.Error(t, err)
	_, ok := errors.Cause(err).(*CodecError)
	assert.True(t, ok, "expected CodecError, got %T", errors.Cause(err))
}

func TestNilNestedMessage(t *testing.T) {
	msg := sampleMessage(10)
	msg.ttls = nil
	data, err := Marshal(msg)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.(*testMessage).ttls)
}

func TestLongListRuns(t *testing.T) {
	l := NewLongList()
	l.Append(10)
	l.AppendRun(NoValue, 3)
	l.Append(20)
	require.Equal(t, 5, l.Len())
	assert.Equal(t, NoValue, l.Get(2))

	data, err := Marshal(l)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.True(t, reflect.DeepEqual(l, decoded))
}
