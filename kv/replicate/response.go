package replicate

import (
	"sync"

	"github.com/gridcache/gridkv/kv/wire"
	"github.com/pingcap/errors"
)

// TypeUpdateResponse is the wire discriminant for UpdateResponse.
const TypeUpdateResponse byte = 41

// UpdateResponse is a backup's answer to an UpdateRequest. NodeID in the
// embedded header identifies the responding node. FailedKeys and ErrMsgs are
// parallel; the near-cache side channels report per-index generated values,
// skip markers and TTL/expire times for reader nodes. Immutable after send.
type UpdateResponse struct {
	updateHeader

	FailedKeys [][]byte
	ErrMsgs    [][]byte

	NearValsIdxs    []int32
	NearVals        [][]byte
	NearSkipIdxs    []int32
	NearTTLs        *wire.LongList
	NearExpireTimes *wire.LongList

	mu  sync.Mutex
	err error
}

func NewUpdateResponse(cacheID int32, nodeID uint64, futVer Version, topVer uint64) *UpdateResponse {
	fv := futVer
	return &UpdateResponse{
		updateHeader: updateHeader{
			CacheID: cacheID,
			NodeID:  nodeID,
			FutVer:  &fv,
			TopVer:  topVer,
		},
		NearTTLs:        wire.NewLongList(),
		NearExpireTimes: wire.NewLongList(),
	}
}

// AddFailedKey records a key the backup could not apply. Multiple causes for
// the same response are chained onto the accumulated error.
func (m *UpdateResponse) AddFailedKey(key []byte, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedKeys = append(m.FailedKeys, key)
	m.ErrMsgs = append(m.ErrMsgs, []byte(cause.Error()))
	if m.err == nil {
		m.err = errors.New("failed to update keys on backup node")
	}
	m.err = chainErr(m.err, cause)
}

// Error reconstructs the accumulated error, also after decoding from the
// wire where only the message texts survive.
func (m *UpdateResponse) Error() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if len(m.ErrMsgs) == 0 {
		return nil
	}
	err := errors.New("failed to update keys on backup node")
	for _, msg := range m.ErrMsgs {
		err = chainErr(err, errors.New(string(msg)))
	}
	return err
}

// AddNearValue records a generated value for the near entry at idx.
func (m *UpdateResponse) AddNearValue(idx int32, val []byte, ttl, expireTime int64) {
	m.NearValsIdxs = append(m.NearValsIdxs, idx)
	m.NearVals = append(m.NearVals, val)
	m.NearTTLs.Append(ttl)
	m.NearExpireTimes.Append(expireTime)
}

// AddSkippedIndex marks the near entry at idx as stale on the responder, so
// the reader must not cache it.
func (m *UpdateResponse) AddSkippedIndex(idx int32) {
	m.NearSkipIdxs = append(m.NearSkipIdxs, idx)
}

func (m *UpdateResponse) IsNearSkipped(idx int32) bool {
	for _, i := range m.NearSkipIdxs {
		if i == idx {
			return true
		}
	}
	return false
}

func (m *UpdateResponse) Type() byte { return TypeUpdateResponse }

func (m *UpdateResponse) FieldsCount() byte { return updateHeaderFields + 7 }

func (m *UpdateResponse) WriteTo(buf *wire.Buffer, w *wire.Writer) bool {
	if !w.HeaderWritten() {
		if !w.WriteHeader(buf, m.Type(), m.FieldsCount()) {
			return false
		}
		w.OnHeaderWritten()
	}
	if !m.updateHeader.writeTo(buf, w) {
		return false
	}
	switch w.State() {
	case 4:
		if !w.WriteByteArrayCollection(buf, m.FailedKeys) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 5:
		if !w.WriteByteArrayCollection(buf, m.ErrMsgs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 6:
		if !w.WriteInt32Collection(buf, m.NearValsIdxs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 7:
		if !w.WriteByteArrayCollection(buf, m.NearVals) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 8:
		if !w.WriteInt32Collection(buf, m.NearSkipIdxs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 9:
		if !w.WriteMessage(buf, m.NearTTLs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 10:
		if !w.WriteMessage(buf, m.NearExpireTimes) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (m *UpdateResponse) ReadFrom(buf *wire.Buffer, r *wire.Reader) bool {
	if !m.updateHeader.readFrom(buf, r) {
		return false
	}
	switch r.State() {
	case 4:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.FailedKeys = v
		r.IncrementState()
		fallthrough
	case 5:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.ErrMsgs = v
		r.IncrementState()
		fallthrough
	case 6:
		v, ok := r.ReadInt32Collection(buf)
		if !ok {
			return false
		}
		m.NearValsIdxs = v
		r.IncrementState()
		fallthrough
	case 7:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.NearVals = v
		r.IncrementState()
		fallthrough
	case 8:
		v, ok := r.ReadInt32Collection(buf)
		if !ok {
			return false
		}
		m.NearSkipIdxs = v
		r.IncrementState()
		fallthrough
	case 9:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.NearTTLs = v.(*wire.LongList)
		}
		r.IncrementState()
		fallthrough
	case 10:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.NearExpireTimes = v.(*wire.LongList)
		}
		r.IncrementState()
	}
	return true
}

func init() {
	wire.RegisterMessage(TypeUpdateResponse, func() wire.Message { return &UpdateResponse{} })
}
