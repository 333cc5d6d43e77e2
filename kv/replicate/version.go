// Package replicate implements primary-to-backup replication of atomic
// writes: the per-write coordinator future, the update request/response wire
// messages, and the version tokens that order conflicting writes.
package replicate

import (
	"fmt"

	"github.com/gridcache/gridkv/kv/wire"
	"go.uber.org/atomic"
)

// TypeVersion is the wire discriminant for Version.
const TypeVersion byte = 30

// Version is the token stamped on every write: coordinator node id plus a
// monotonically assigned counter. Immutable once assigned; the counter
// dominates the ordering so versions are globally comparable.
type Version struct {
	NodeID  uint64
	Counter uint64
}

func (v Version) IsZero() bool { return v.NodeID == 0 && v.Counter == 0 }

func (v Version) Compare(o Version) int {
	switch {
	case v.Counter < o.Counter:
		return -1
	case v.Counter > o.Counter:
		return 1
	case v.NodeID < o.NodeID:
		return -1
	case v.NodeID > o.NodeID:
		return 1
	}
	return 0
}

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func (v Version) String() string {
	return fmt.Sprintf("%d:%d", v.NodeID, v.Counter)
}

func (v *Version) Type() byte { return TypeVersion }

func (v *Version) FieldsCount() byte { return 2 }

func (v *Version) WriteTo(buf *wire.Buffer, w *wire.Writer) bool {
	if !w.HeaderWritten() {
		if !w.WriteHeader(buf, v.Type(), v.FieldsCount()) {
			return false
		}
		w.OnHeaderWritten()
	}
	switch w.State() {
	case 0:
		if !w.WriteUint64(buf, v.NodeID) {
			return false
		}
		w.IncrementState()
		fallthrough
	case 1:
		if !w.WriteUint64(buf, v.Counter) {
			return false
		}
		w.IncrementState()
	}
	return true
}

func (v *Version) ReadFrom(buf *wire.Buffer, r *wire.Reader) bool {
	switch r.State() {
	case 0:
		x, ok := r.ReadUint64(buf)
		if !ok {
			return false
		}
		v.NodeID = x
		r.IncrementState()
		fallthrough
	case 1:
		x, ok := r.ReadUint64(buf)
		if !ok {
			return false
		}
		v.Counter = x
		r.IncrementState()
	}
	return true
}

// Generator hands out version tokens for one coordinator node.
type Generator struct {
	nodeID uint64
	ctr    atomic.Uint64
}

func NewGenerator(nodeID uint64) *Generator {
	return &Generator{nodeID: nodeID}
}

func (g *Generator) Next() Version {
	return Version{NodeID: g.nodeID, Counter: g.ctr.Inc()}
}

func init() {
	wire.RegisterMessage(TypeVersion, func() wire.Message { return &Version{} })
}
