package replicate

import (
	"bytes"
	"sync"

	"github.com/gridcache/gridkv/kv/binary"
	"github.com/gridcache/gridkv/kv/wire"
)

// SyncMode selects when the caller-facing completion fires relative to backup
// acknowledgments.
type SyncMode byte

const (
	// FullSync completes the caller only after every backup acknowledged.
	FullSync SyncMode = iota
	// FullAsync completes the caller right after the requests are sent.
	FullAsync
	// PrimarySync completes the caller once the primary applied the write.
	PrimarySync
)

func (m SyncMode) String() string {
	switch m {
	case FullSync:
		return "full_sync"
	case FullAsync:
		return "full_async"
	case PrimarySync:
		return "primary_sync"
	}
	return "unknown"
}

// updateHeader is the field set shared by the update request and response.
// Its fields occupy states 0..updateHeaderFields-1; embedding messages
// continue the numbering from there and must drain these states first.
type updateHeader struct {
	CacheID int32
	NodeID  uint64
	FutVer  *Version
	TopVer  uint64
}

const updateHeaderFields = 4

func (h *updateHeader) writeTo(buf *wire.Buffer, w *wire.Writer) bool {
	switch w.State() {
	case 0:
		if !w.WriteInt32(buf, h.CacheID) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 1:
		if !w.WriteUint64(buf, h.NodeID) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 2:
		var fv wire.Message
		if h.FutVer != nil {
			fv = h.FutVer
		}
		if !w.WriteMessage(buf, fv) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 3:
		if !w.WriteUint64(buf, h.TopVer) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (h *updateHeader) readFrom(buf *wire.Buffer, r *wire.Reader) bool {
	switch r.State() {
	case 0:
		v, ok := r.ReadInt32(buf)
		if !ok {
			return false
		}
		h.CacheID = v
		r.IncrementState()
		fallthrough
	case 1:
		v, ok := r.ReadUint64(buf)
		if !ok {
			return false
		}
		h.NodeID = v
		r.IncrementState()
		fallthrough
	case 2:
		m, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if m != nil {
			h.FutVer = m.(*Version)
		}
		r.IncrementState()
		fallthrough
	case 3:
		v, ok := r.ReadUint64(buf)
		if !ok {
			return false
		}
		h.TopVer = v
		r.IncrementState()
	}
	return true
}

// TypeUpdateRequest is the wire discriminant for UpdateRequest.
const TypeUpdateRequest byte = 40

// UpdateRequest carries one write's entries for a single destination node.
// It is built during fan-out by appending entries and is immutable once sent.
// Parallel slices share indexes: entry i is Keys[i], Vals[i] or Procs[i],
// TTLs[i], ConflictExpireTimes[i] and the (2i, 2i+1) pair of ConflictVers.
type UpdateRequest struct {
	updateHeader
	SenderID uint64
	WriteVer *Version
	Mode     SyncMode

	Keys                [][]byte
	Vals                [][]byte
	Procs               [][]byte
	PrevVals            [][]byte
	TTLs                *wire.LongList
	ConflictExpireTimes *wire.LongList
	// ConflictVers interleaves (node id, counter) pairs; 0,0 means none.
	ConflictVers *wire.LongList

	NearKeys        [][]byte
	NearVals        [][]byte
	NearTTLs        *wire.LongList
	NearExpireTimes *wire.LongList

	respMu    sync.Mutex
	responded bool
}

func NewUpdateRequest(cacheID int32, nodeID, senderID uint64, futVer, writeVer Version, topVer uint64, mode SyncMode) *UpdateRequest {
	fv := futVer
	wv := writeVer
	return &UpdateRequest{
		updateHeader: updateHeader{
			CacheID: cacheID,
			NodeID:  nodeID,
			FutVer:  &fv,
			TopVer:  topVer,
		},
		SenderID:            senderID,
		WriteVer:            &wv,
		Mode:                mode,
		TTLs:                wire.NewLongList(),
		ConflictExpireTimes: wire.NewLongList(),
		ConflictVers:        wire.NewLongList(),
		NearTTLs:            wire.NewLongList(),
		NearExpireTimes:     wire.NewLongList(),
	}
}

// AddWriteValue appends one backup entry. Re-adding a key already carried by
// this request is a no-op, so fanning the same (node, key) pair out twice
// cannot double-apply.
func (m *UpdateRequest) AddWriteValue(key []byte, val, proc *binary.Object, ttl int64, conflictVer Version, conflictExpireTime int64, prevVal *binary.Object) {
	if m.hasKey(key) {
		return
	}
	m.Keys = append(m.Keys, key)
	m.Vals = append(m.Vals, objectBytes(val))
	m.Procs = append(m.Procs, objectBytes(proc))
	m.PrevVals = append(m.PrevVals, objectBytes(prevVal))
	m.TTLs.Append(ttl)
	m.ConflictExpireTimes.Append(conflictExpireTime)
	m.ConflictVers.Append(int64(conflictVer.NodeID))
	m.ConflictVers.Append(int64(conflictVer.Counter))
}

// AddNearWriteValue appends one near-cache reader entry.
func (m *UpdateRequest) AddNearWriteValue(key []byte, val *binary.Object, ttl, expireTime int64) {
	for _, k := range m.NearKeys {
		if bytes.Equal(k, key) {
			return
		}
	}
	m.NearKeys = append(m.NearKeys, key)
	m.NearVals = append(m.NearVals, objectBytes(val))
	m.NearTTLs.Append(ttl)
	m.NearExpireTimes.Append(expireTime)
}

func (m *UpdateRequest) hasKey(key []byte) bool {
	for _, k := range m.Keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

// EntryCount is the number of backup entries carried by this request.
func (m *UpdateRequest) EntryCount() int { return len(m.Keys) }

// ConflictVersion returns the conflict version of entry i, if any.
func (m *UpdateRequest) ConflictVersion(i int) Version {
	if m.ConflictVers.Len() < 2*(i+1) {
		return Version{}
	}
	return Version{
		NodeID:  uint64(m.ConflictVers.Get(2 * i)),
		Counter: uint64(m.ConflictVers.Get(2*i + 1)),
	}
}

// Responded reports whether this request's ack has already been counted.
func (m *UpdateRequest) Responded() bool {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	return m.responded
}

// MarkResponded flips the request's one-shot awaiting->acknowledged flag.
// Only the caller that wins the flip may count the ack.
func (m *UpdateRequest) MarkResponded() bool {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	if m.responded {
		return false
	}
	m.responded = true
	return true
}

func (m *UpdateRequest) Type() byte { return TypeUpdateRequest }

func (m *UpdateRequest) FieldsCount() byte { return updateHeaderFields + 14 }

func (m *UpdateRequest) WriteTo(buf *wire.Buffer, w *wire.Writer) bool {
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
		if !w.WriteUint64(buf, m.SenderID) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 5:
		var wv wire.Message
		if m.WriteVer != nil {
			wv = m.WriteVer
		}
		if !w.WriteMessage(buf, wv) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 6:
		if !w.WriteUint8(buf, byte(m.Mode)) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 7:
		if !w.WriteByteArrayCollection(buf, m.Keys) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 8:
		if !w.WriteByteArrayCollection(buf, m.Vals) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 9:
		if !w.WriteByteArrayCollection(buf, m.Procs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 10:
		if !w.WriteByteArrayCollection(buf, m.PrevVals) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 11:
		if !w.WriteMessage(buf, m.TTLs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 12:
		if !w.WriteMessage(buf, m.ConflictExpireTimes) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 13:
		if !w.WriteMessage(buf, m.ConflictVers) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 14:
		if !w.WriteByteArrayCollection(buf, m.NearKeys) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 15:
		if !w.WriteByteArrayCollection(buf, m.NearVals) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 16:
		if !w.WriteMessage(buf, m.NearTTLs) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 17:
		if !w.WriteMessage(buf, m.NearExpireTimes) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (m *UpdateRequest) ReadFrom(buf *wire.Buffer, r *wire.Reader) bool {
	if !m.updateHeader.readFrom(buf, r) {
		return false
	}
	switch r.State() {
	case 4:
		v, ok := r.ReadUint64(buf)
		if !ok {
			return false
		}
		m.SenderID = v
		r.IncrementState()
		fallthrough
	case 5:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.WriteVer = v.(*Version)
		}
		r.IncrementState()
		fallthrough
	case 6:
		v, ok := r.ReadUint8(buf)
		if !ok {
			return false
		}
		m.Mode = SyncMode(v)
		r.IncrementState()
		fallthrough
	case 7:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.Keys = v
		r.IncrementState()
		fallthrough
	case 8:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.Vals = v
		r.IncrementState()
		fallthrough
	case 9:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.Procs = v
		r.IncrementState()
		fallthrough
	case 10:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.PrevVals = v
		r.IncrementState()
		fallthrough
	case 11:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.TTLs = v.(*wire.LongList)
		}
		r.IncrementState()
		fallthrough
	case 12:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.ConflictExpireTimes = v.(*wire.LongList)
		}
		r.IncrementState()
		fallthrough
	case 13:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.ConflictVers = v.(*wire.LongList)
		}
		r.IncrementState()
		fallthrough
	case 14:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.NearKeys = v
		r.IncrementState()
		fallthrough
	case 15:
		v, ok := r.ReadByteArrayCollection(buf)
		if !ok {
			return false
		}
		m.NearVals = v
		r.IncrementState()
		fallthrough
	case 16:
		v, ok := r.ReadMessage(buf)
		if !ok {
			return false
		}
		if v != nil {
			m.NearTTLs = v.(*wire.LongList)
		}
		r.IncrementState()
		fallthrough
	case 17:
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

func objectBytes(o *binary.Object) []byte {
	if o == nil {
		return nil
	}
	return o.Bytes()
}

func init() {
	wire.RegisterMessage(TypeUpdateRequest, func() wire.Message { return &UpdateRequest{} })
}
