// Package store glues the binary object codec and the replication coordinator
// into a partitioned in-memory key/value store: writes submitted to the
// primary owner are applied locally, fanned out to backups and near-cache
// readers, and resolved through an asynchronous handle.
package store

import (
	"bytes"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gridcache/gridkv/kv/binary"
	"github.com/gridcache/gridkv/kv/config"
	"github.com/gridcache/gridkv/kv/metrics"
	"github.com/gridcache/gridkv/kv/replicate"
	"github.com/ngaut/log"
	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/errors"
)

// Processor transforms the current value of an entry into a new one. The
// argument object travels with the update request instead of a plain value.
type Processor interface {
	Process(key []byte, cur, arg *binary.Object) (*binary.Object, error)
}

// entry is one versioned cell of a partition tree.
type entry struct {
	key        []byte
	val        *binary.Object
	ver        replicate.Version
	expireTime int64 // unix millis, 0 means never
}

func (e entry) Less(other llrb.Item) bool {
	return bytes.Compare(e.key, other.(entry).key) < 0
}

type partition struct {
	mu   sync.RWMutex
	tree *llrb.LLRB
}

func newPartition() *partition {
	return &partition{tree: llrb.New()}
}

// get returns the live entry for key, treating expired entries as absent.
func (p *partition) get(key []byte, now int64) (entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item := p.tree.Get(entry{key: key})
	if item == nil {
		return entry{}, false
	}
	e := item.(entry)
	if e.expireTime != 0 && e.expireTime <= now {
		return entry{}, false
	}
	return e, true
}

// put installs e unless an entry with an equal or newer version already
// exists; per-key write ordering is decided by the version token alone.
func (p *partition) put(e entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item := p.tree.Get(entry{key: e.key}); item != nil {
		if !item.(entry).ver.Less(e.ver) {
			return false
		}
	}
	p.tree.ReplaceOrInsert(e)
	return true
}

func (p *partition) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Len()
}

// TableAffinity is a static partition-to-owners table, primary first. Good
// enough for tests and single-topology deployments; a discovery-backed
// implementation satisfies the same interface.
type TableAffinity struct {
	parts  int
	owners [][]uint64
}

func NewTableAffinity(parts int, owners [][]uint64) *TableAffinity {
	return &TableAffinity{parts: parts, owners: owners}
}

func (a *TableAffinity) Partition(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(a.parts))
}

func (a *TableAffinity) Nodes(part int, topVer uint64) []uint64 {
	return a.owners[part%len(a.owners)]
}

// Store is one node's slice of the partitioned cache.
type Store struct {
	cfg    *config.Config
	gen    *replicate.Generator
	aff    replicate.Affinity
	sender replicate.Sender
	proc   Processor
	mode   replicate.SyncMode

	parts []*partition

	mu      sync.Mutex
	pending map[replicate.Version]*replicate.UpdateFuture
	readers map[string]map[uint64]struct{}
	topVer  uint64

	nearMu sync.RWMutex
	near   map[string]*binary.Object
}

func New(cfg *config.Config, aff replicate.Affinity, sender replicate.Sender) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	mode, err := parseSyncMode(cfg.SyncMode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.SetLevelByString(cfg.LogLevel)
	parts := make([]*partition, cfg.Partitions)
	for i := range parts {
		parts[i] = newPartition()
	}
	return &Store{
		cfg:     cfg,
		gen:     replicate.NewGenerator(cfg.NodeID),
		aff:     aff,
		sender:  sender,
		mode:    mode,
		parts:   parts,
		pending: make(map[replicate.Version]*replicate.UpdateFuture),
		readers: make(map[string]map[uint64]struct{}),
		topVer:  1,
		near:    make(map[string]*binary.Object),
	}, nil
}

func parseSyncMode(s string) (replicate.SyncMode, error) {
	switch s {
	case "full_sync":
		return replicate.FullSync, nil
	case "full_async":
		return replicate.FullAsync, nil
	case "primary_sync":
		return replicate.PrimarySync, nil
	}
	return 0, errors.Errorf("unknown sync mode %q", s)
}

// SetProcessor installs the hook invoked for entries that carry a processor
// argument instead of a plain value.
func (s *Store) SetProcessor(proc Processor) { s.proc = proc }

func (s *Store) NodeID() uint64 { return s.cfg.NodeID }

// TopologyVersion returns the store's current view of the cluster topology.
func (s *Store) TopologyVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topVer
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func expireAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowMillis() + int64(ttl/time.Millisecond)
}

// Get reads the local copy of key. It does not consult remote owners.
func (s *Store) Get(key []byte) (*binary.Object, replicate.Version, bool) {
	p := s.parts[s.aff.Partition(key)]
	e, ok := p.get(key, nowMillis())
	if !ok {
		return nil, replicate.Version{}, false
	}
	return e.val, e.ver, true
}

// Len reports the number of live entries across all local partitions.
func (s *Store) Len() int {
	n := 0
	for _, p := range s.parts {
		n += p.len()
	}
	return n
}

// RegisterReader records nodeID as holding a near-cache copy of key, so
// subsequent writes to key fan out a near update to it.
func (s *Store) RegisterReader(key []byte, nodeID uint64) {
	if !s.cfg.NearCache {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.readers[string(key)]
	if set == nil {
		set = make(map[uint64]struct{})
		s.readers[string(key)] = set
	}
	set[nodeID] = struct{}{}
}

func (s *Store) readersOf(key []byte) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.readers[string(key)]
	if len(set) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SubmitWrite applies one write on the primary and fans it out to the key's
// backups and registered readers. The returned future resolves to the
// aggregated outcome; for non-full-sync modes its completion callback fires
// as soon as the requests are sent.
func (s *Store) SubmitWrite(key []byte, val, proc *binary.Object, ttl time.Duration) *replicate.UpdateFuture {
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	ver := s.gen.Next()
	expire := expireAt(ttl)

	if proc != nil {
		var err error
		val, err = s.process(key, proc)
		if err != nil {
			return s.failedFuture(ver, key, err)
		}
	}
	if val != nil {
		val = val.Detach()
	}

	s.mu.Lock()
	topVer := s.topVer
	s.mu.Unlock()

	fut := replicate.NewUpdateFuture(replicate.FutureParams{
		CacheID:      cacheID(s.cfg),
		LocalNodeID:  s.cfg.NodeID,
		FutVer:       ver,
		WriteVer:     ver,
		TopVer:       topVer,
		Mode:         s.mode,
		Affinity:     s.aff,
		Sender:       s.sender,
		CompletionCb: s.onWriteComplete,
		OnFinish:     s.dropPending,
		// An exchange past this write's topology version must wait for its
		// acks, otherwise ownership can move before the backups confirm.
		WaitForExchange: true,
	})

	s.mu.Lock()
	s.pending[ver] = fut
	s.mu.Unlock()
	metrics.PendingFutureGauge.Inc()

	p := s.parts[s.aff.Partition(key)]
	prev, _, _ := s.Get(key)
	p.put(entry{key: key, val: val, ver: ver, expireTime: expire})

	ttlMillis := int64(ttl / time.Millisecond)
	fut.AddWriteEntry(key, val, proc, ttlMillis, replicate.Version{}, 0, prev)
	if readers := s.readersOf(key); len(readers) > 0 {
		fut.AddNearWriteEntries(readers, key, val, ttlMillis, expire)
	}
	metrics.FanoutCounter.Add(float64(len(fut.MappedNodes())))
	fut.Map()
	return fut
}

func (s *Store) process(key []byte, proc *binary.Object) (*binary.Object, error) {
	if s.proc == nil {
		return nil, errors.New("no entry processor registered")
	}
	cur, _, _ := s.Get(key)
	out, err := s.proc.Process(key, cur, proc)
	return out, errors.Trace(err)
}

// failedFuture builds an already-resolved future carrying a single failed key.
func (s *Store) failedFuture(ver replicate.Version, key []byte, err error) *replicate.UpdateFuture {
	log.Errorf("write rejected before fan-out [ver=%s, key=%q, err=%s]", ver, key, errors.ErrorStack(err))
	fut := replicate.NewUpdateFuture(replicate.FutureParams{
		CacheID:      cacheID(s.cfg),
		LocalNodeID:  s.cfg.NodeID,
		FutVer:       ver,
		WriteVer:     ver,
		TopVer:       s.TopologyVersion(),
		Mode:         s.mode,
		Affinity:     s.aff,
		Sender:       s.sender,
		CompletionCb: s.onWriteComplete,
	})
	fut.FailAll(key, err)
	return fut
}

func (s *Store) onWriteComplete(res *replicate.WriteResult) {
	if res.Succeeded() {
		metrics.WriteCounter.WithLabelValues("ok").Inc()
		return
	}
	metrics.WriteCounter.WithLabelValues("failed").Inc()
	for range res.Failed {
		metrics.FailedKeyCounter.Inc()
	}
}

func (s *Store) dropPending(ver replicate.Version) {
	s.mu.Lock()
	delete(s.pending, ver)
	s.mu.Unlock()
	metrics.PendingFutureGauge.Dec()
}

func cacheID(cfg *config.Config) int32 {
	h := fnv.New32a()
	h.Write([]byte(cfg.StoreAddr))
	return int32(h.Sum32() & 0x7fffffff)
}

// HandleUpdateRequest applies one replicated write on a backup or reader and
// builds the acknowledgment. Per-key application faults are reported in the
// response instead of aborting the whole request.
func (s *Store) HandleUpdateRequest(req *replicate.UpdateRequest) *replicate.UpdateResponse {
	res := replicate.NewUpdateResponse(req.CacheID, s.cfg.NodeID, *req.FutVer, req.TopVer)
	writeVer := replicate.Version{}
	if req.WriteVer != nil {
		writeVer = *req.WriteVer
	}

	for i := 0; i < req.EntryCount(); i++ {
		key := req.Keys[i]
		val, err := s.backupValue(req, i)
		if err != nil {
			log.Warnf("backup failed to apply entry [key=%q, err=%s]", key, errors.ErrorStack(err))
			res.AddFailedKey(key, err)
			continue
		}
		ver := writeVer
		if cv := req.ConflictVersion(i); !cv.IsZero() {
			ver = cv
		}
		e := entry{key: key, val: val, ver: ver, expireTime: ttlExpire(req.TTLs.Get(i))}
		if !s.parts[s.aff.Partition(key)].put(e) {
			metrics.ConflictCounter.Inc()
			log.Debugf("backup skipped stale write [key=%q, ver=%s]", key, ver)
		}
	}

	s.applyNearEntries(req, res, writeVer)
	return res
}

// backupValue materializes entry i of req: a detached copy of the plain
// value, or the local processor's output for processor entries.
func (s *Store) backupValue(req *replicate.UpdateRequest, i int) (*binary.Object, error) {
	if proc := req.Procs[i]; proc != nil {
		arg, err := binary.NewObject(proc, 0)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return s.process(req.Keys[i], arg)
	}
	raw := req.Vals[i]
	if raw == nil {
		return nil, nil
	}
	obj, err := binary.NewObject(raw, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	obj.SetDetachAllowed(true)
	return obj.Detach(), nil
}

// applyNearEntries installs near-cache copies carried by req and fills the
// response side channels: entries this node already holds a newer version of
// are reported as skipped so the coordinator's reader bookkeeping stays exact.
func (s *Store) applyNearEntries(req *replicate.UpdateRequest, res *replicate.UpdateResponse, writeVer replicate.Version) {
	for i, key := range req.NearKeys {
		if cur, ver, ok := s.Get(key); ok && cur != nil && !ver.Less(writeVer) {
			res.AddSkippedIndex(int32(i))
			continue
		}
		raw := req.NearVals[i]
		if raw == nil {
			s.nearMu.Lock()
			delete(s.near, string(key))
			s.nearMu.Unlock()
			continue
		}
		obj, err := binary.NewObject(raw, 0)
		if err != nil {
			res.AddFailedKey(key, errors.Trace(err))
			continue
		}
		obj.SetDetachAllowed(true)
		obj = obj.Detach()
		s.nearMu.Lock()
		s.near[string(key)] = obj
		s.nearMu.Unlock()
		res.AddNearValue(int32(i), obj.Bytes(), req.NearTTLs.Get(i), req.NearExpireTimes.Get(i))
	}
}

// NearGet reads this node's near-cache copy of key, if any.
func (s *Store) NearGet(key []byte) (*binary.Object, bool) {
	s.nearMu.RLock()
	defer s.nearMu.RUnlock()
	obj, ok := s.near[string(key)]
	return obj, ok
}

func ttlExpire(ttlMillis int64) int64 {
	if ttlMillis <= 0 {
		return 0
	}
	return nowMillis() + ttlMillis
}

// OnResult routes a backup's response to the future it acknowledges.
func (s *Store) OnResult(nodeID uint64, res *replicate.UpdateResponse) {
	if res.FutVer == nil {
		log.Errorf("dropping update response without future version [node=%v]", nodeID)
		return
	}
	if fut := s.lookupPending(*res.FutVer); fut != nil {
		fut.OnResult(nodeID, res)
	} else {
		log.Debugf("dropping update response for unknown future [node=%v, fut=%s]", nodeID, res.FutVer)
	}
}

// OnDeferredResult routes a bodyless acknowledgment to its future.
func (s *Store) OnDeferredResult(nodeID uint64, futVer replicate.Version) {
	if fut := s.lookupPending(futVer); fut != nil {
		fut.OnDeferredResult(nodeID)
	}
}

func (s *Store) lookupPending(ver replicate.Version) *replicate.UpdateFuture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[ver]
}

// OnNodeLeft substitutes departure notifications for the pending acks of
// nodeID and forgets its near-cache registrations.
func (s *Store) OnNodeLeft(nodeID uint64) {
	s.mu.Lock()
	futs := make([]*replicate.UpdateFuture, 0, len(s.pending))
	for _, fut := range s.pending {
		futs = append(futs, fut)
	}
	for key, set := range s.readers {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(s.readers, key)
		}
	}
	s.mu.Unlock()

	for _, fut := range futs {
		fut.OnNodeLeft(nodeID)
	}
}

// OnTopologyChange advances the store's topology view and returns the futures
// that must resolve before the exchange to topVer may finish.
func (s *Store) OnTopologyChange(topVer uint64) []*replicate.UpdateFuture {
	s.mu.Lock()
	if topVer <= s.topVer {
		cur := s.topVer
		s.mu.Unlock()
		log.Warnf("ignoring stale topology change: %v", &replicate.ErrStaleTopology{Requested: topVer, Current: cur})
		return nil
	}
	s.topVer = topVer
	futs := make([]*replicate.UpdateFuture, 0, len(s.pending))
	for _, fut := range s.pending {
		futs = append(futs, fut)
	}
	s.mu.Unlock()

	var blocking []*replicate.UpdateFuture
	for _, fut := range futs {
		if f := fut.CompleteFuture(topVer); f != nil {
			blocking = append(blocking, f)
		}
	}
	return blocking
}
