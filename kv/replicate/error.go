package replicate

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrNodeGone is the transport fault for a destination that departed. The
// coordinator absorbs it as an implicit ack; the discovery layer's departure
// notification is the authoritative signal.
type ErrNodeGone struct {
	NodeID uint64
}

func (e *ErrNodeGone) Error() string {
	return fmt.Sprintf("node %v left the cluster", e.NodeID)
}

func IsNodeGone(err error) bool {
	_, ok := errors.Cause(err).(*ErrNodeGone)
	return ok
}

// ErrStaleTopology reports a write routed with a topology version the cluster
// has already advanced past; the caller must remap.
type ErrStaleTopology struct {
	Requested uint64
	Current   uint64
}

func (e *ErrStaleTopology) Error() string {
	return fmt.Sprintf("topology advanced from %v to %v, write must be remapped", e.Requested, e.Current)
}

// KeyError pairs a failed key with its cause. Multiple causes reported for
// the same key are chained onto each other, never overwritten.
type KeyError struct {
	Key []byte
	Err error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("key %q: %v", e.Key, e.Err)
}

// chainErr stacks a new cause onto an existing one. The original cause stays
// retrievable through errors.Cause.
func chainErr(old, add error) error {
	if old == nil {
		return add
	}
	if add == nil {
		return old
	}
	return errors.Annotate(old, add.Error())
}
