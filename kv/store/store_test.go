package store

import (
	"sync"
	"testing"
	"time"

	"github.com/gridcache/gridkv/kv/binary"
	"github.com/gridcache/gridkv/kv/config"
	"github.com/gridcache/gridkv/kv/replicate"
	"github.com/gridcache/gridkv/kv/wire"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cluster is a loopback transport wiring stores together in-process. Every
// message crosses the real wire codec so request and response shapes are
// exercised end to end.
type cluster struct {
	mu     sync.Mutex
	stores map[uint64]*Store
	gone   map[uint64]bool
	silent map[uint64]bool
}

func newCluster() *cluster {
	return &cluster{
		stores: make(map[uint64]*Store),
		gone:   make(map[uint64]bool),
		silent: make(map[uint64]bool),
	}
}

func (c *cluster) Send(nodeID uint64, msg wire.Message) error {
	c.mu.Lock()
	if c.gone[nodeID] {
		c.mu.Unlock()
		return &replicate.ErrNodeGone{NodeID: nodeID}
	}
	dst := c.stores[nodeID]
	mute := c.silent[nodeID]
	c.mu.Unlock()
	if dst == nil {
		return errors.Errorf("no route to node %v", nodeID)
	}

	data, err := wire.Marshal(msg)
	if err != nil {
		return errors.Trace(err)
	}
	m, err := wire.Unmarshal(data)
	if err != nil {
		return errors.Trace(err)
	}
	req, ok := m.(*replicate.UpdateRequest)
	if !ok {
		return errors.Errorf("unexpected message type %v", m.Type())
	}

	res := dst.HandleUpdateRequest(req)
	if mute {
		// The backup applied the write but its ack never makes it back.
		return nil
	}
	rdata, err := wire.Marshal(res)
	if err != nil {
		return errors.Trace(err)
	}
	rm, err := wire.Unmarshal(rdata)
	if err != nil {
		return errors.Trace(err)
	}

	c.mu.Lock()
	origin := c.stores[req.SenderID]
	c.mu.Unlock()
	if origin != nil {
		origin.OnResult(nodeID, rm.(*replicate.UpdateResponse))
	}
	return nil
}

func (c *cluster) addStore(t *testing.T, nodeID uint64, owners []uint64) *Store {
	cfg := config.NewTestConfig()
	cfg.NodeID = nodeID
	aff := NewTableAffinity(cfg.Partitions, [][]uint64{owners})
	s, err := New(cfg, aff, c)
	require.Nil(t, err)
	c.mu.Lock()
	c.stores[nodeID] = s
	c.mu.Unlock()
	return s
}

func (c *cluster) markGone(nodeID uint64) {
	c.mu.Lock()
	c.gone[nodeID] = true
	c.mu.Unlock()
}

func (c *cluster) markSilent(nodeID uint64) {
	c.mu.Lock()
	c.silent[nodeID] = true
	c.mu.Unlock()
}

func valueObject(t *testing.T, s string) *binary.Object {
	obj, err := binary.Marshal(1, 1, binary.StringValue(s))
	require.Nil(t, err)
	return obj
}

func TestWriteReplicatesToBackups(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2, 3})
	s2 := c.addStore(t, 2, []uint64{1, 2, 3})
	s3 := c.addStore(t, 3, []uint64{1, 2, 3})

	fut := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, 0)
	res, ok := fut.WaitTimeout(time.Second)
	require.True(t, ok)
	assert.True(t, res.Succeeded())

	for _, s := range []*Store{s1, s2, s3} {
		obj, ver, found := s.Get([]byte("k1"))
		require.True(t, found, "node %v missing the entry", s.NodeID())
		require.NotNil(t, obj)
		assert.Equal(t, res.Ver, ver)
	}
	assert.Equal(t, 1, s2.Len())
}

func TestBackupDepartureDoesNotHang(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2, 3})
	c.addStore(t, 2, []uint64{1, 2, 3})
	c.addStore(t, 3, []uint64{1, 2, 3})
	c.markGone(3)

	fut := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, 0)
	res, ok := fut.WaitTimeout(time.Second)
	require.True(t, ok)
	assert.True(t, res.Succeeded())
}

func TestPerKeyOrderingOnBackup(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2})
	s2 := c.addStore(t, 2, []uint64{1, 2})

	s1.SubmitWrite([]byte("k1"), valueObject(t, "old"), nil, 0).Wait()
	res := s1.SubmitWrite([]byte("k1"), valueObject(t, "new"), nil, 0).Wait()
	require.True(t, res.Succeeded())

	_, ver, found := s2.Get([]byte("k1"))
	require.True(t, found)
	assert.Equal(t, res.Ver, ver)

	// Replay the first write's version out of order; the backup must keep
	// the newer entry.
	stale := replicate.NewUpdateRequest(1, 2, 1, replicate.Version{NodeID: 1, Counter: 99},
		replicate.Version{NodeID: 1, Counter: 1}, 1, replicate.FullSync)
	stale.AddWriteValue([]byte("k1"), valueObject(t, "old"), nil, 0, replicate.Version{}, 0, nil)
	sres := s2.HandleUpdateRequest(stale)
	assert.Len(t, sres.FailedKeys, 0)

	_, ver2, _ := s2.Get([]byte("k1"))
	assert.Equal(t, ver, ver2)
}

type appendProcessor struct{}

func (appendProcessor) Process(key []byte, cur, arg *binary.Object) (*binary.Object, error) {
	return arg, nil
}

func TestProcessorRunsOnEveryReplica(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2})
	s2 := c.addStore(t, 2, []uint64{1, 2})
	s1.SetProcessor(appendProcessor{})
	s2.SetProcessor(appendProcessor{})

	res := s1.SubmitWrite([]byte("k1"), nil, valueObject(t, "computed"), 0).Wait()
	require.True(t, res.Succeeded())

	obj, _, found := s2.Get([]byte("k1"))
	require.True(t, found)
	require.NotNil(t, obj)
}

func TestProcessorMissingOnBackupFailsKey(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2})
	c.addStore(t, 2, []uint64{1, 2})
	s1.SetProcessor(appendProcessor{})
	// Node 2 has no processor registered, so it must reject the entry.

	res := s1.SubmitWrite([]byte("k1"), nil, valueObject(t, "computed"), 0).Wait()
	assert.False(t, res.Succeeded())
	err := res.FailedKey([]byte("k1"))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "no entry processor registered")
}

func TestProcessorMissingOnPrimaryFailsFast(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2})
	c.addStore(t, 2, []uint64{1, 2})

	res := s1.SubmitWrite([]byte("k1"), nil, valueObject(t, "computed"), 0).Wait()
	assert.False(t, res.Succeeded())
	require.NotNil(t, res.FailedKey([]byte("k1")))
	// Nothing was applied or sent.
	_, _, found := s1.Get([]byte("k1"))
	assert.False(t, found)
}

func TestNearCacheFanout(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2})
	c.addStore(t, 2, []uint64{1, 2})
	s3 := c.addStore(t, 3, []uint64{1, 2})

	s1.RegisterReader([]byte("k1"), 3)
	res := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, 0).Wait()
	require.True(t, res.Succeeded())

	obj, ok := s3.NearGet([]byte("k1"))
	require.True(t, ok)
	require.NotNil(t, obj)
	assert.True(t, obj.Detached())
}

func TestEntryExpiry(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1})

	res := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, time.Millisecond).Wait()
	require.True(t, res.Succeeded())

	time.Sleep(10 * time.Millisecond)
	_, _, found := s1.Get([]byte("k1"))
	assert.False(t, found)
}

func TestNodeLeftReleasesPendingWrites(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2, 3})
	c.addStore(t, 2, []uint64{1, 2, 3})
	c.addStore(t, 3, []uint64{1, 2, 3})
	c.markSilent(3)

	fut := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, 0)
	_, ok := fut.WaitTimeout(50 * time.Millisecond)
	require.False(t, ok)

	s1.OnNodeLeft(3)
	res, ok := fut.WaitTimeout(time.Second)
	require.True(t, ok)
	assert.True(t, res.Succeeded())
}

func TestSendFailureFailsWrite(t *testing.T) {
	c := newCluster()
	// Node 9 is in the affinity but unreachable, so the send itself errors.
	s1 := c.addStore(t, 1, []uint64{1, 9})

	res := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, 0).Wait()
	assert.False(t, res.Succeeded())
	err := res.FailedKey([]byte("k1"))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "no route to node")
}

func TestTopologyChange(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1})

	assert.Nil(t, s1.OnTopologyChange(1))
	assert.Equal(t, uint64(1), s1.TopologyVersion())

	assert.Nil(t, s1.OnTopologyChange(5))
	assert.Equal(t, uint64(5), s1.TopologyVersion())
}

func TestTopologyChangeReportsBlockingWrites(t *testing.T) {
	c := newCluster()
	s1 := c.addStore(t, 1, []uint64{1, 2})
	c.addStore(t, 2, []uint64{1, 2})
	c.markSilent(2)

	fut := s1.SubmitWrite([]byte("k1"), valueObject(t, "v1"), nil, 0)
	require.False(t, fut.IsDone())

	blocked := s1.OnTopologyChange(2)
	require.Len(t, blocked, 1)
	assert.True(t, fut == blocked[0])

	// Once the pending ack is accounted for, the exchange has nothing left
	// to wait on.
	s1.OnNodeLeft(2)
	res, ok := fut.WaitTimeout(time.Second)
	require.True(t, ok)
	assert.True(t, res.Succeeded())
	assert.Nil(t, fut.CompleteFuture(3))
}
