// Package wire implements the resumable message codec. A message is
// serialized field by field into a byte buffer that may be filled or drained
// in arbitrarily small chunks; when the buffer boundary is reached mid-field
// the codec returns without advancing and the same call resumes exactly where
// it stopped once a fresh buffer is supplied.
package wire

import (
	"fmt"
	"sync"
)

// Buffer is one transport chunk. Pos advances as the codec produces or
// consumes bytes.
type Buffer struct {
	Data []byte
	Pos  int
}

func NewBuffer(n int) *Buffer {
	return &Buffer{Data: make([]byte, n)}
}

func (b *Buffer) Remaining() int { return len(b.Data) - b.Pos }

// Bytes returns the filled prefix of the buffer.
func (b *Buffer) Bytes() []byte { return b.Data[:b.Pos] }

func (b *Buffer) Reset() { b.Pos = 0 }

// Message is a protocol message with a resumable field-by-field codec.
// WriteTo and ReadFrom return false when the buffer boundary was reached;
// the call is re-entrant and resumes at the unfinished field.
type Message interface {
	Type() byte
	FieldsCount() byte
	WriteTo(buf *Buffer, w *Writer) bool
	ReadFrom(buf *Buffer, r *Reader) bool
}

// Element type discriminants for ordered collections, written ahead of the
// items so the reader needs no prior knowledge of element shape.
const (
	ElemInt32 byte = 1 + iota
	ElemInt64
	ElemBytes
	ElemMsg
)

// CodecError reports a structurally invalid field, such as a garbage length
// prefix. It is fatal to the message instance and never retried.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("wire: %s", e.Reason)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[byte]func() Message)
)

// RegisterMessage binds a message type discriminant to its factory so the
// decoder can construct incoming messages.
func RegisterMessage(typ byte, f func() Message) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("wire: duplicate message type %d", typ))
	}
	registry[typ] = f
}

// NewMessage constructs an empty message for the given type discriminant.
func NewMessage(typ byte) (Message, error) {
	registryMu.RLock()
	f, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, &CodecError{Reason: fmt.Sprintf("unknown message type %d", typ)}
	}
	return f(), nil
}
