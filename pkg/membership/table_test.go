package membership

import (
	"testing"
	"time"

	"github.com/pixperk/peerlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Unix(1_700_000_000, 0)

func TestTouchCreatesAndUpdates(t *testing.T) {
	table := NewTable()

	assert.True(t, table.Touch("peer-a", base), "first contact should create the entry")
	assert.False(t, table.Touch("peer-a", base.Add(time.Second)), "second contact should update")

	e, ok := table.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), e.LastHeartbeat)
	assert.Equal(t, 1, table.Len())
}

// an out of order heartbeat must not move the timestamp backwards
func TestTouchIsMonotonic(t *testing.T) {
	table := NewTable()

	table.Touch("peer-a", base.Add(5*time.Second))
	table.Touch("peer-a", base.Add(2*time.Second))

	e, ok := table.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), e.LastHeartbeat, "older heartbeat should not regress the entry")
}

func TestTouchIsIdempotent(t *testing.T) {
	table := NewTable()

	table.Touch("peer-a", base)
	table.Touch("peer-a", base)

	e, _ := table.Get("peer-a")
	assert.Equal(t, base, e.LastHeartbeat)
	assert.Equal(t, 1, table.Len())
}

func TestEvictSilentPeers(t *testing.T) {
	table := NewTable()
	timeout := 6 * time.Second

	table.Touch("peer-a", base)
	table.Touch("peer-b", base.Add(4*time.Second))
	table.Touch("peer-c", base.Add(7*time.Second))

	now := base.Add(10*time.Second + time.Millisecond)
	evicted := table.Evict(now, timeout)

	assert.Equal(t, []types.PeerID{"peer-a"}, evicted)
	assert.Equal(t, []types.PeerID{"peer-b", "peer-c"}, table.Live())
	assert.False(t, table.Contains("peer-a"))
}

// exactly timeout old is still alive, eviction needs strictly more
func TestEvictBoundary(t *testing.T) {
	table := NewTable()
	table.Touch("peer-a", base)

	assert.Empty(t, table.Evict(base.Add(6*time.Second), 6*time.Second))
	assert.Equal(t, []types.PeerID{"peer-a"}, table.Evict(base.Add(6*time.Second+1), 6*time.Second))
}

func TestEvictedPeerStaysGoneWithoutHeartbeat(t *testing.T) {
	table := NewTable()
	table.Touch("peer-a", base)

	table.Evict(base.Add(time.Minute), time.Second)
	assert.Empty(t, table.Evict(base.Add(2*time.Minute), time.Second))
	assert.False(t, table.Contains("peer-a"))

	assert.True(t, table.Touch("peer-a", base.Add(2*time.Minute)), "fresh heartbeat brings the peer back")
}

func TestSnapshotIsACopy(t *testing.T) {
	table := NewTable()
	table.Touch("peer-a", base)

	snap := table.Snapshot()
	snap["peer-b"] = base
	table.Remove("peer-a")

	assert.Len(t, snap, 2)
	assert.Equal(t, 0, table.Len())
}
