package main

import (
	"testing"
	"time"

	"github.com/pixperk/peerlock/pkg/coordinator"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeer(t *testing.T, cfg coordinator.Config) (*coordinator.Coordinator, error) {
	t.Helper()
	return coordinator.New("a", memory.NewNetwork().Transport(), directory.NewMemory(), cfg)
}

func TestPeerTimeoutFollowsHeartbeatInterval(t *testing.T) {
	tests := []struct {
		args []string
		want time.Duration
	}{
		{nil, 3 * coordinator.DefaultHeartbeatInterval},
		{[]string{"--heartbeat-interval=1s"}, 3 * time.Second},
		{[]string{"--heartbeat-interval=10s"}, 30 * time.Second},
		{[]string{"--heartbeat-interval=1s", "--peer-timeout=5s"}, 5 * time.Second},
	}

	for _, tt := range tests {
		opts, err := parseOptions(tt.args)
		require.NoError(t, err)

		co, err := newPeer(t, opts.cfg)
		require.NoError(t, err, "%v", tt.args)
		assert.Equal(t, tt.want, co.Config().PeerTimeout, "%v", tt.args)
	}
}

func TestExplicitPeerTimeoutStillValidated(t *testing.T) {
	opts, err := parseOptions([]string{"--heartbeat-interval=10s", "--peer-timeout=6s"})
	require.NoError(t, err)

	_, err = newPeer(t, opts.cfg)
	assert.Error(t, err)
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := parseOptions(nil)
	require.NoError(t, err)

	assert.Equal(t, "grpc", opts.transport)
	assert.Equal(t, "redis", opts.directory)
	assert.Contains(t, opts.name, "peer-")
	assert.Equal(t, coordinator.DefaultMonopolyLease, opts.cfg.MonopolyLease)
	assert.Zero(t, opts.cfg.PeerTimeout)

	_, err = parseOptions([]string{"--no-such-flag"})
	assert.Error(t, err)
}
