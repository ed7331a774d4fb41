package natstransport

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	"github.com/pixperk/peerlock/pkg/coordinator"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) *nats.Conn {
	t.Helper()

	s := natsserver.RunRandClientPortServer()
	conn, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	return conn
}

type recorder struct {
	mu         sync.Mutex
	heartbeats []types.PeerID
	releases   map[types.PeerID]time.Time
}

func (r *recorder) OnHeartbeat(from types.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, from)
}

func (r *recorder) RequestAccess(from types.PeerID, ts time.Time) bool {
	return from == "friend"
}

func (r *recorder) OnRelease(from types.PeerID, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases[from] = ts
}

func TestRequestReply(t *testing.T) {
	conn := connect(t)
	addr := Address("target")

	srv, err := Serve(conn, addr, &recorder{releases: map[types.PeerID]time.Time{}}, nil)
	require.NoError(t, err)
	defer srv.Close()

	tr := NewTransport(conn, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	granted, err := tr.RequestAccess(ctx, addr, "friend", time.Now())
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = tr.RequestAccess(ctx, addr, "stranger", time.Now())
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestOneWayCalls(t *testing.T) {
	conn := connect(t)
	addr := Address("target")
	r := &recorder{releases: map[types.PeerID]time.Time{}}

	srv, err := Serve(conn, addr, r, nil)
	require.NoError(t, err)
	defer srv.Close()

	tr := NewTransport(conn, nil)
	ts := time.Unix(1_700_000_000, 42).UTC()

	require.NoError(t, tr.Heartbeat(context.Background(), addr, "peer-a"))
	require.NoError(t, tr.Release(context.Background(), addr, "peer-b", ts))

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.heartbeats) == 1 && len(r.releases) == 1
	}, 2*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []types.PeerID{"peer-a"}, r.heartbeats)
	assert.True(t, ts.Equal(r.releases["peer-b"]))
}

// nobody subscribed behind the address
func TestNoRespondersIsTransportFailure(t *testing.T) {
	conn := connect(t)
	tr := NewTransport(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tr.RequestAccess(ctx, Address("ghost"), "peer-a", time.Now())
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestCoordinatorsOverNATS(t *testing.T) {
	conn := connect(t)
	dir := directory.NewMemory()
	tr := NewTransport(conn, nil)

	peers := make(map[string]*coordinator.Coordinator)
	for _, name := range []string{"A", "B"} {
		co, err := coordinator.New(types.PeerID(name), tr, dir, coordinator.Config{TransportTimeout: 2 * time.Second})
		require.NoError(t, err)

		addr := Address(co.ID())
		srv, err := Serve(conn, addr, co, nil)
		require.NoError(t, err)
		t.Cleanup(func() { srv.Close() })

		require.NoError(t, co.Join(context.Background(), addr))
		peers[name] = co
	}

	require.Eventually(t, func() bool { return len(peers["A"].Peers()) == 1 },
		2*time.Second, 10*time.Millisecond, "A should hear B's join heartbeat")

	st, err := peers["A"].Enter(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateHeld, st)

	st, err = peers["B"].Enter(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateWanted, st)

	require.NoError(t, peers["A"].Exit())
	require.Eventually(t, func() bool { return peers["B"].State() == types.StateHeld },
		2*time.Second, 10*time.Millisecond)
}
