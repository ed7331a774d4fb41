package grpctransport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pixperk/peerlock/pkg/coordinator"
	"github.com/pixperk/peerlock/pkg/directory"
	grpctransport "github.com/pixperk/peerlock/pkg/transport/grpc"
	"github.com/pixperk/peerlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func startPeer(t *testing.T, name string, dir directory.Directory) *coordinator.Coordinator {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := grpctransport.NewTransport(nil)
	t.Cleanup(func() { tr.Close() })

	co, err := coordinator.New(types.PeerID(name), tr, dir, coordinator.Config{
		HeartbeatInterval: time.Second,
		MonopolyLease:     5 * time.Second,
		TransportTimeout:  2 * time.Second,
	})
	require.NoError(t, err)

	gs := grpc.NewServer()
	grpctransport.NewServer(co, nil).Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	require.NoError(t, co.Join(context.Background(), lis.Addr().String()))
	return co
}

// full protocol over real sockets: grant, defer, deferred grant on exit
func TestCoordinatorsOverGRPC(t *testing.T) {
	dir := directory.NewMemory()
	a := startPeer(t, "A", dir)
	b := startPeer(t, "B", dir)
	c := startPeer(t, "C", dir)

	require.Equal(t, []types.PeerID{"B", "C"}, a.Peers())

	st, err := a.Enter(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateHeld, st)

	st, err = b.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateWanted, st)
	assert.Equal(t, []types.PeerID{"B"}, a.Status().Pending)

	require.NoError(t, a.Exit())
	require.Eventually(t, func() bool { return b.State() == types.StateHeld },
		2*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StateReleased, c.State())
	require.NoError(t, b.Exit())
}
