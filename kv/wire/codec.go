package wire

import (
	"github.com/pingcap/errors"
)

// Encoder drives one message through WriteTo across successive buffers.
type Encoder struct {
	w   *Writer
	msg Message
}

func NewEncoder() *Encoder { return &Encoder{w: NewWriter()} }

// Encode writes as much of m as fits into buf, returning true once the
// message is complete. Until then the encoder must be fed fresh buffers for
// the same message.
func (e *Encoder) Encode(buf *Buffer, m Message) bool {
	if e.msg == nil {
		e.msg = m
	}
	if !m.WriteTo(buf, e.w) {
		return false
	}
	e.msg = nil
	e.w.Reset()
	return true
}

// Decoder reassembles one message from successive buffers. The message header
// is read here so the concrete type can be constructed from the registry.
type Decoder struct {
	r   *Reader
	msg Message
	hdr bool
}

func NewDecoder() *Decoder { return &Decoder{r: NewReader()} }

// Decode consumes bytes from buf. It returns (nil, nil) while the message is
// incomplete, the finished message once its last field arrived, or an error
// on a codec fault.
func (d *Decoder) Decode(buf *Buffer) (Message, error) {
	if !d.hdr {
		v, ok := d.r.readUint(buf, 2)
		if !ok {
			return nil, errors.Trace(d.r.Err())
		}
		m, err := NewMessage(byte(v))
		if err != nil {
			return nil, errors.Trace(err)
		}
		d.msg = m
		d.r.declaredCnt = byte(v >> 8)
		d.hdr = true
	}
	if !d.msg.ReadFrom(buf, d.r) {
		return nil, errors.Trace(d.r.Err())
	}
	m := d.msg
	d.msg = nil
	d.hdr = false
	d.r.Reset()
	return m, nil
}

// Marshal serializes a whole message into one owned byte slice.
func Marshal(m Message) ([]byte, error) {
	var out []byte
	buf := NewBuffer(512)
	enc := NewEncoder()
	for {
		done := enc.Encode(buf, m)
		if !done && buf.Pos == 0 {
			return nil, errors.New("wire: encoder made no progress")
		}
		out = append(out, buf.Bytes()...)
		buf.Reset()
		if done {
			return out, nil
		}
	}
}

// Unmarshal decodes one message from a fully buffered byte slice.
func Unmarshal(data []byte) (Message, error) {
	buf := &Buffer{Data: data}
	dec := NewDecoder()
	m, err := dec.Decode(buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if m == nil {
		return nil, errors.New("wire: truncated message")
	}
	return m, nil
}
