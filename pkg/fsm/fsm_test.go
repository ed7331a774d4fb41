package fsm

import (
	"fmt"
	"testing"

	"github.com/pixperk/peerlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	fsm := NewFSM()

	result, err := fsm.Apply(RegisterCmd{Name: "peerA", Address: "127.0.0.1:7001"})
	require.NoError(t, err)

	resp, ok := result.(RegisterResponse)
	require.True(t, ok, "expected RegisterResponse")
	assert.Equal(t, uint64(1), resp.Revision)

	reg, exists := fsm.Lookup("peerA")
	require.True(t, exists)
	assert.Equal(t, "127.0.0.1:7001", reg.Address)
	assert.Equal(t, uint64(1), reg.Revision)
}

func TestRegisterOverwrites(t *testing.T) {
	fsm := NewFSM()

	_, err := fsm.Apply(RegisterCmd{Name: "peerA", Address: "127.0.0.1:7001"})
	require.NoError(t, err)
	_, err = fsm.Apply(RegisterCmd{Name: "peerA", Address: "127.0.0.1:7002"})
	require.NoError(t, err)

	reg, exists := fsm.Lookup("peerA")
	require.True(t, exists)
	assert.Equal(t, "127.0.0.1:7002", reg.Address)
	assert.Equal(t, uint64(2), reg.Revision)
	assert.Equal(t, 1, fsm.Stats().Entries)
}

func TestRegisterRequiresNameAndAddress(t *testing.T) {
	fsm := NewFSM()

	_, err := fsm.Apply(RegisterCmd{Name: "peerA"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = fsm.Apply(RegisterCmd{Address: "127.0.0.1:7001"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	assert.Equal(t, uint64(0), fsm.Stats().Revision, "rejected writes must not bump the revision")
}

func TestRemove(t *testing.T) {
	fsm := NewFSM()

	_, err := fsm.Apply(RegisterCmd{Name: "peerA", Address: "127.0.0.1:7001"})
	require.NoError(t, err)

	result, err := fsm.Apply(RemoveCmd{Name: "peerA"})
	require.NoError(t, err)
	assert.True(t, result.(RemoveResponse).Removed)

	_, exists := fsm.Lookup("peerA")
	assert.False(t, exists)

	result, err = fsm.Apply(RemoveCmd{Name: "peerA"})
	require.NoError(t, err)
	assert.False(t, result.(RemoveResponse).Removed)
}

func TestRevisionMonotonic(t *testing.T) {
	fsm := NewFSM()

	var last uint64
	for i := 0; i < 10; i++ {
		result, err := fsm.Apply(RegisterCmd{
			Name:    fmt.Sprintf("peer-%d", i%3),
			Address: fmt.Sprintf("127.0.0.1:%d", 7000+i),
		})
		require.NoError(t, err)

		rev := result.(RegisterResponse).Revision
		assert.Greater(t, rev, last, "revision must increase")
		last = rev
	}

	stats := fsm.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, uint64(10), stats.Revision)
}

func TestListSorted(t *testing.T) {
	fsm := NewFSM()

	for _, name := range []string{"peerC", "peerA", "peerB"} {
		_, err := fsm.Apply(RegisterCmd{Name: name, Address: name + ":1"})
		require.NoError(t, err)
	}

	list := fsm.List()
	require.Len(t, list, 3)
	assert.Equal(t, "peerA", list[0].Name)
	assert.Equal(t, "peerB", list[1].Name)
	assert.Equal(t, "peerC", list[2].Name)
}

type bogusCmd struct{ RegisterCmd }

func TestUnknownCommand(t *testing.T) {
	_, err := NewFSM().Apply(bogusCmd{})
	assert.Error(t, err)
}
