package replicate

import (
	"sync"
	"time"

	"github.com/gridcache/gridkv/kv/binary"
	"github.com/gridcache/gridkv/kv/wire"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Sender hands a message to the transport layer. Send returning *ErrNodeGone
// is the fast path for a destination that already departed.
type Sender interface {
	Send(nodeID uint64, msg wire.Message) error
}

// Affinity maps keys to partitions and partitions to their owner nodes for a
// given topology version, primary first.
type Affinity interface {
	Partition(key []byte) int
	Nodes(part int, topVer uint64) []uint64
}

// WriteResult is what the caller's asynchronous handle resolves to: success,
// or the set of failed keys with their causes.
type WriteResult struct {
	Ver    Version
	Failed []KeyError
}

func (r *WriteResult) Succeeded() bool { return len(r.Failed) == 0 }

// FailedKey returns the cause recorded for key, if any.
func (r *WriteResult) FailedKey(key []byte) error {
	for _, ke := range r.Failed {
		if string(ke.Key) == string(key) {
			return ke.Err
		}
	}
	return nil
}

func (r *WriteResult) addFailed(key []byte, cause error) {
	for i := range r.Failed {
		if string(r.Failed[i].Key) == string(key) {
			r.Failed[i].Err = chainErr(r.Failed[i].Err, cause)
			return
		}
	}
	r.Failed = append(r.Failed, KeyError{Key: key, Err: cause})
}

// FutureParams collects the per-write inputs of an UpdateFuture.
type FutureParams struct {
	CacheID     int32
	LocalNodeID uint64
	FutVer      Version
	WriteVer    Version
	TopVer      uint64
	Mode        SyncMode
	Affinity    Affinity
	Sender      Sender
	// CompletionCb is the caller-facing completion. For FullSync it fires
	// at resolution; otherwise right after the requests are sent.
	CompletionCb func(*WriteResult)
	// OnFinish runs once at resolution, before the completion callback;
	// the owner uses it to drop the future from its pending set.
	OnFinish func(Version)
	// WaitForExchange marks the write as blocking topology advances past
	// its own topology version until it resolves.
	WaitForExchange bool
}

// UpdateFuture replicates one atomic write from its primary owner to every
// backup and near-cache reader, and resolves exactly once. The mapping table
// and ack flags are shared mutable state touched from network completions and
// topology notifications; all transitions go through the future's own lock,
// so futures for different writes never contend with each other.
type UpdateFuture struct {
	p FutureParams

	mu       sync.Mutex
	mappings map[uint64]*UpdateRequest
	resCnt   int
	mapped   bool
	keys     [][]byte
	res      *WriteResult
	finished bool

	done chan struct{}
}

func NewUpdateFuture(p FutureParams) *UpdateFuture {
	return &UpdateFuture{
		p:        p,
		mappings: make(map[uint64]*UpdateRequest),
		res:      &WriteResult{Ver: p.WriteVer},
		done:     make(chan struct{}),
	}
}

// Version is the future's identity token.
func (f *UpdateFuture) Version() Version { return f.p.FutVer }

// AddWriteEntry fans one key out to the backups owning its partition,
// lazily constructing the per-destination request on first sight of a node.
// Adding the same (node, key) pair twice is a no-op.
func (f *UpdateFuture) AddWriteEntry(key []byte, val, proc *binary.Object, ttl int64, conflictVer Version, conflictExpireTime int64, prevVal *binary.Object) {
	part := f.p.Affinity.Partition(key)
	nodes := f.p.Affinity.Nodes(part, f.p.TopVer)
	log.Debugf("mapping entry to nodes [fut=%s, key=%q, nodes=%v]", f.p.FutVer, key, nodes)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.addKey(key)
	for _, nodeID := range nodes {
		if nodeID == f.p.LocalNodeID {
			continue
		}
		f.mapping(nodeID).AddWriteValue(key, val, proc, ttl, conflictVer, conflictExpireTime, prevVal)
	}
}

// AddNearWriteEntries fans one key out to the reader nodes holding a
// near-cache copy of it.
func (f *UpdateFuture) AddNearWriteEntries(readers []uint64, key []byte, val *binary.Object, ttl, expireTime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addKey(key)
	for _, nodeID := range readers {
		if nodeID == f.p.LocalNodeID {
			continue
		}
		f.mapping(nodeID).AddNearWriteValue(key, val, ttl, expireTime)
	}
}

// mapping returns the request for nodeID, constructing it on first use.
// Caller holds f.mu.
func (f *UpdateFuture) mapping(nodeID uint64) *UpdateRequest {
	req := f.mappings[nodeID]
	if req == nil {
		req = NewUpdateRequest(f.p.CacheID, nodeID, f.p.LocalNodeID, f.p.FutVer, f.p.WriteVer, f.p.TopVer, f.p.Mode)
		f.mappings[nodeID] = req
	}
	return req
}

// addKey records a key touched by this write. Caller holds f.mu.
func (f *UpdateFuture) addKey(key []byte) {
	for _, k := range f.keys {
		if string(k) == string(key) {
			return
		}
	}
	f.keys = append(f.keys, key)
}

// Map freezes the mapping table and sends every constructed request. An
// empty table resolves immediately with an empty success. For non-full-sync
// writes the caller-facing completion fires right here, independent of acks;
// the future still tracks acks internally for cleanup.
func (f *UpdateFuture) Map() {
	f.mu.Lock()
	f.mapped = true
	reqs := make([]*UpdateRequest, 0, len(f.mappings))
	for _, req := range f.mappings {
		if !req.Responded() {
			reqs = append(reqs, req)
		}
	}
	// Departure notifications may have been counted before the table froze;
	// the completion check they skipped happens here against the frozen size.
	done := f.resCnt == len(f.mappings)
	f.mu.Unlock()

	if done {
		f.onDone(nil)
	} else {
		for _, req := range reqs {
			f.sendRequest(req)
		}
	}

	if f.p.Mode != FullSync && f.p.CompletionCb != nil {
		f.p.CompletionCb(f.snapshotResult())
	}
}

// snapshotResult copies the aggregated result so callers can read it while
// acks are still arriving.
func (f *UpdateFuture) snapshotResult() *WriteResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := &WriteResult{Ver: f.res.Ver}
	if len(f.res.Failed) > 0 {
		cp.Failed = make([]KeyError, len(f.res.Failed))
		copy(cp.Failed, f.res.Failed)
	}
	return cp
}

func (f *UpdateFuture) sendRequest(req *UpdateRequest) {
	log.Debugf("sending update request [fut=%s, node=%v, entries=%d]", f.p.FutVer, req.NodeID, req.EntryCount())
	if err := f.p.Sender.Send(req.NodeID, req); err != nil {
		if IsNodeGone(err) {
			// The destination departed; its departure notification is the
			// authoritative signal and this send failure stands in for the
			// ack it will never produce.
			log.Warnf("failed to send update request to backup node because it left the cluster: %v", req.NodeID)
		} else {
			log.Errorf("failed to send update request to backup node [node=%v, err=%s]", req.NodeID, errors.ErrorStack(err))
			f.mu.Lock()
			if !f.finished {
				for _, key := range req.Keys {
					f.res.addFailed(key, err)
				}
			}
			f.mu.Unlock()
		}
		f.registerResponse(req.NodeID)
	}
}

// OnResult is the callback for a backup's update response. Per-key errors
// are folded into the caller's result with the cause attached.
func (f *UpdateFuture) OnResult(nodeID uint64, res *UpdateResponse) {
	log.Debugf("received update response [fut=%s, node=%v, failed=%d]", f.p.FutVer, nodeID, len(res.FailedKeys))
	if len(res.FailedKeys) > 0 {
		f.mu.Lock()
		// The result is frozen at resolution; a straggler response after
		// that must not mutate what the caller already holds.
		if !f.finished {
			for i, key := range res.FailedKeys {
				var cause error
				if i < len(res.ErrMsgs) {
					cause = errors.New(string(res.ErrMsgs[i]))
				} else {
					cause = errors.New("backup failed to apply update")
				}
				f.res.addFailed(key, cause)
			}
		}
		f.mu.Unlock()
	}
	f.registerResponse(nodeID)
}

// OnDeferredResult is the callback for an acknowledgment without a response
// body; it counts exactly like a full ack.
func (f *UpdateFuture) OnDeferredResult(nodeID uint64) {
	log.Debugf("received deferred update response [fut=%s, node=%v]", f.p.FutVer, nodeID)
	f.registerResponse(nodeID)
}

// OnNodeLeft substitutes a departure notification for the ack of nodeID.
// Racing with a late OnResult for the same node, at most one of them counts.
func (f *UpdateFuture) OnNodeLeft(nodeID uint64) bool {
	log.Debugf("processing node leave event [fut=%s, node=%v]", f.p.FutVer, nodeID)
	return f.registerResponse(nodeID)
}

// registerResponse counts one acknowledgment for nodeID. The request's
// awaiting->acknowledged flag flips at most once, and only the winner
// increments the shared counter; the "all acked" decision compares the
// post-increment counter to the frozen mapping size under the same lock.
func (f *UpdateFuture) registerResponse(nodeID uint64) bool {
	f.mu.Lock()
	req := f.mappings[nodeID]
	if req == nil {
		f.mu.Unlock()
		return false
	}
	if !req.MarkResponded() {
		f.mu.Unlock()
		return false
	}
	f.resCnt++
	last := f.mapped && f.resCnt == len(f.mappings)
	f.mu.Unlock()

	if last {
		f.onDone(nil)
	}
	return true
}

// onDone performs the single terminal transition. With any error present,
// every key touched by this write is marked failed for the caller, even keys
// whose own acks carried no explicit error.
func (f *UpdateFuture) onDone(err error) bool {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return false
	}
	f.finished = true
	if err == nil && len(f.res.Failed) > 0 {
		err = errors.New("failed to update keys on backup nodes")
	}
	if err != nil {
		for _, key := range f.keys {
			f.res.addFailed(key, err)
		}
	}
	res := f.res
	f.mu.Unlock()

	if f.p.OnFinish != nil {
		f.p.OnFinish(f.p.FutVer)
	}
	if f.p.Mode == FullSync && f.p.CompletionCb != nil {
		f.p.CompletionCb(res)
	}
	close(f.done)
	return true
}

// FailAll resolves the future immediately with err recorded against key,
// bypassing fan-out. Used for writes rejected before mapping.
func (f *UpdateFuture) FailAll(key []byte, err error) {
	f.mu.Lock()
	f.addKey(key)
	f.mapped = true
	f.mu.Unlock()
	f.onDone(err)
	if f.p.Mode != FullSync && f.p.CompletionCb != nil {
		f.p.CompletionCb(f.snapshotResult())
	}
}

// CompleteFuture returns the future itself when a topology advance to topVer
// must wait for this write, nil otherwise.
func (f *UpdateFuture) CompleteFuture(topVer uint64) *UpdateFuture {
	if f.p.WaitForExchange && f.p.TopVer < topVer && !f.IsDone() {
		return f
	}
	return nil
}

func (f *UpdateFuture) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves and returns the aggregated outcome.
func (f *UpdateFuture) Wait() *WriteResult {
	<-f.done
	return f.res
}

// WaitTimeout is Wait with a deadline; ok reports whether the future
// resolved in time.
func (f *UpdateFuture) WaitTimeout(timeout time.Duration) (res *WriteResult, ok bool) {
	select {
	case <-f.done:
		return f.res, true
	case <-time.After(timeout):
		return nil, false
	}
}

// MappedNodes returns the destinations of the frozen mapping table.
func (f *UpdateFuture) MappedNodes() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes := make([]uint64, 0, len(f.mappings))
	for nodeID := range f.mappings {
		nodes = append(nodes, nodeID)
	}
	return nodes
}
