// Package binary implements the self-describing binary object format used for
// every stored value and every value embedded in a replication message.
//
// Layout (all little-endian):
//
//	[4B total length][4B type id][4B schema id][2B flags][4B hash][4B schema offset]
//	[payload: tagged field values][footer: (field id?, offset) per field]
//
// The schema offset field points at the footer, which holds one offset per
// field so that a field can be addressed in O(1) without decoding the rest of
// the object. Offsets are 1, 2 or 4 bytes wide, chosen at encode time by the
// smallest width that fits; a compact footer omits field ids and relies on a
// schema known to both sides.
package binary

import (
	"fmt"
	"sync"
)

const (
	totalLenPos  = 0
	typeIDPos    = 4
	schemaIDPos  = 8
	flagsPos     = 12
	hashCodePos  = 14
	schemaOffPos = 18
	headerSize   = 22
)

const (
	// flagHasSchema is set when the object carries at least one field and
	// therefore a footer.
	flagHasSchema uint16 = 0x0001
	// flagOffsetOneByte and flagOffsetTwoBytes select the footer offset
	// width. Neither set means 4-byte offsets.
	flagOffsetOneByte  uint16 = 0x0002
	flagOffsetTwoBytes uint16 = 0x0004
	// flagCompactFooter is set when the footer holds offsets only, no field
	// ids.
	flagCompactFooter uint16 = 0x0008
)

// DecodeError reports a structurally malformed object: a footer offset out of
// range, a truncated field or an unknown tag byte. It is fatal to the single
// object, never retried.
type DecodeError struct {
	Pos    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("binary: malformed object at offset %d: %s", e.Pos, e.Reason)
}

// SchemaError reports a declared schema id the receiver does not know, or a
// mismatch between the declared and the expected schema.
type SchemaError struct {
	SchemaID int32
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("binary: schema %d: %s", e.SchemaID, e.Reason)
}

// SchemaRegistry maps schema ids to their ordered field ids so that objects
// written with a compact footer can still be addressed by field id.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[int32][]int32
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[int32][]int32)}
}

func (r *SchemaRegistry) Register(schemaID int32, fieldIDs []int32) {
	ids := make([]int32, len(fieldIDs))
	copy(ids, fieldIDs)
	r.mu.Lock()
	r.schemas[schemaID] = ids
	r.mu.Unlock()
}

// Ordinal resolves a field id to its ordinal within the given schema.
func (r *SchemaRegistry) Ordinal(schemaID, fieldID int32) (int, error) {
	r.mu.RLock()
	ids, ok := r.schemas[schemaID]
	r.mu.RUnlock()
	if !ok {
		return 0, &SchemaError{SchemaID: schemaID, Reason: "unknown schema"}
	}
	for i, id := range ids {
		if id == fieldID {
			return i, nil
		}
	}
	return 0, &SchemaError{SchemaID: schemaID, Reason: fmt.Sprintf("no field %d", fieldID)}
}

func readUint16(b []byte, pos int) uint16 {
	return uint16(b[pos]) | uint16(b[pos+1])<<8
}

func readUint32(b []byte, pos int) uint32 {
	return uint32(b[pos]) | uint32(b[pos+1])<<8 | uint32(b[pos+2])<<16 | uint32(b[pos+3])<<24
}

func readUint64(b []byte, pos int) uint64 {
	return uint64(readUint32(b, pos)) | uint64(readUint32(b, pos+4))<<32
}

func putUint16(b []byte, pos int, v uint16) {
	b[pos] = byte(v)
	b[pos+1] = byte(v >> 8)
}

func putUint32(b []byte, pos int, v uint32) {
	b[pos] = byte(v)
	b[pos+1] = byte(v >> 8)
	b[pos+2] = byte(v >> 16)
	b[pos+3] = byte(v >> 24)
}

func putUint64(b []byte, pos int, v uint64) {
	putUint32(b, pos, uint32(v))
	putUint32(b, pos+4, uint32(v>>32))
}

// hashPayload mixes the payload bytes the same way on every node so that the
// header hash is stable across peers.
func hashPayload(b []byte) int32 {
	h := int32(1)
	for _, x := range b {
		h = 31*h + int32(int8(x))
	}
	return h
}
