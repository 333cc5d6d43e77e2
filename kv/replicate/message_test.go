package replicate

import (
	"testing"

	"github.com/gridcache/gridkv/kv/wire"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeChunked(t *testing.T, data []byte, chunk int) wire.Message {
	dec := wire.NewDecoder()
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		buf := &wire.Buffer{Data: data[off:end]}
		m, err := dec.Decode(buf)
		require.Nil(t, err)
		if m != nil {
			require.Equal(t, len(data), end, "decoder finished before consuming all bytes")
			return m
		}
		require.Equal(t, 0, buf.Remaining())
	}
	t.Fatal("message never completed")
	return nil
}

func sampleRequest(t *testing.T) *UpdateRequest {
	req := NewUpdateRequest(7, 2, 1, Version{NodeID: 1, Counter: 10}, Version{NodeID: 1, Counter: 11}, 3, FullSync)
	req.AddWriteValue([]byte("k1"), testObject(t, "v1"), nil, 30, Version{NodeID: 9, Counter: 4}, 120, testObject(t, "old1"))
	req.AddWriteValue([]byte("k2"), nil, testObject(t, "proc"), 0, Version{}, 0, nil)
	req.AddNearWriteValue([]byte("k1"), testObject(t, "v1"), 30, 60)
	return req
}

func assertEqualRequest(t *testing.T, want, got *UpdateRequest) {
	assert.Equal(t, want.CacheID, got.CacheID)
	assert.Equal(t, want.NodeID, got.NodeID)
	require.NotNil(t, got.FutVer)
	assert.Equal(t, *want.FutVer, *got.FutVer)
	assert.Equal(t, want.TopVer, got.TopVer)
	assert.Equal(t, want.SenderID, got.SenderID)
	require.NotNil(t, got.WriteVer)
	assert.Equal(t, *want.WriteVer, *got.WriteVer)
	assert.Equal(t, want.Mode, got.Mode)
	assert.Equal(t, want.Keys, got.Keys)
	assert.Equal(t, want.Vals, got.Vals)
	assert.Equal(t, want.Procs, got.Procs)
	assert.Equal(t, want.PrevVals, got.PrevVals)
	assert.Equal(t, want.TTLs.Len(), got.TTLs.Len())
	assert.Equal(t, want.ConflictVersion(0), got.ConflictVersion(0))
	assert.Equal(t, want.ConflictVersion(1), got.ConflictVersion(1))
	assert.Equal(t, want.NearKeys, got.NearKeys)
	assert.Equal(t, want.NearVals, got.NearVals)
}

func TestUpdateRequestRoundTrip(t *testing.T) {
	req := sampleRequest(t)
	data, err := wire.Marshal(req)
	require.Nil(t, err)

	m, err := wire.Unmarshal(data)
	require.Nil(t, err)
	got, ok := m.(*UpdateRequest)
	require.True(t, ok)
	assertEqualRequest(t, req, got)
	assert.Equal(t, 2, got.EntryCount())
}

func TestUpdateRequestChunkedDecode(t *testing.T) {
	req := sampleRequest(t)
	data, err := wire.Marshal(req)
	require.Nil(t, err)

	for _, chunk := range []int{1, 3, 7, 16} {
		got := decodeChunked(t, data, chunk).(*UpdateRequest)
		assertEqualRequest(t, req, got)
	}
}

func TestUpdateResponseRoundTrip(t *testing.T) {
	res := NewUpdateResponse(7, 3, Version{NodeID: 1, Counter: 10}, 3)
	res.AddFailedKey([]byte("k2"), errors.New("out of memory"))
	res.AddFailedKey([]byte("k5"), errors.New("entry locked"))
	res.AddNearValue(0, []byte("gen"), 30, 60)
	res.AddSkippedIndex(1)

	data, err := wire.Marshal(res)
	require.Nil(t, err)
	m, err := wire.Unmarshal(data)
	require.Nil(t, err)
	got := m.(*UpdateResponse)

	assert.Equal(t, res.CacheID, got.CacheID)
	assert.Equal(t, res.NodeID, got.NodeID)
	assert.Equal(t, *res.FutVer, *got.FutVer)
	assert.Equal(t, res.FailedKeys, got.FailedKeys)
	assert.Equal(t, res.ErrMsgs, got.ErrMsgs)
	assert.Equal(t, res.NearValsIdxs, got.NearValsIdxs)
	assert.Equal(t, res.NearVals, got.NearVals)
	assert.True(t, got.IsNearSkipped(1))
	assert.False(t, got.IsNearSkipped(0))
	assert.Equal(t, int64(30), got.NearTTLs.Get(0))

	err = got.Error()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "out of memory")
	assert.Contains(t, err.Error(), "entry locked")
}

func TestVersionRoundTrip(t *testing.T) {
	v := &Version{NodeID: 42, Counter: 1 << 40}
	data, err := wire.Marshal(v)
	require.Nil(t, err)
	m, err := wire.Unmarshal(data)
	require.Nil(t, err)
	assert.Equal(t, *v, *m.(*Version))
}

func TestVersionOrdering(t *testing.T) {
	a := Version{NodeID: 1, Counter: 5}
	b := Version{NodeID: 2, Counter: 5}
	c := Version{NodeID: 1, Counter: 6}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, Version{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestGeneratorMonotone(t *testing.T) {
	g := NewGenerator(5)
	prev := g.Next()
	assert.Equal(t, uint64(5), prev.NodeID)
	for i := 0; i < 100; i++ {
		next := g.Next()
		assert.True(t, prev.Less(next))
		prev = next
	}
}

func TestResponseErrorChainKeepsCause(t *testing.T) {
	res := NewUpdateResponse(7, 3, Version{NodeID: 1, Counter: 10}, 3)
	res.AddFailedKey([]byte("k1"), errors.New("disk failure"))
	res.AddFailedKey([]byte("k2"), errors.New("entry locked"))
	err := res.Error()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "disk failure")
	assert.Contains(t, err.Error(), "entry locked")
	assert.Contains(t, errors.Cause(err).Error(), "failed to update keys on backup node")
}

func TestMarkRespondedIsOneShot(t *testing.T) {
	req := NewUpdateRequest(7, 2, 1, Version{NodeID: 1, Counter: 10}, Version{NodeID: 1, Counter: 11}, 3, FullSync)
	assert.True(t, req.MarkResponded())
	assert.False(t, req.MarkResponded())
}
