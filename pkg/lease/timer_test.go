package lease

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerFires(t *testing.T) {
	timer := NewTimer()
	fired := make(chan struct{})

	timer.Arm(time.Now(), 20*time.Millisecond, func() { close(fired) })
	assert.True(t, timer.Armed())
	assert.False(t, timer.Deadline().IsZero())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("lease callback did not fire")
	}

	assert.False(t, timer.Armed(), "timer should be unarmed after firing")
	assert.True(t, timer.Deadline().IsZero())
}

func TestDisarmCancels(t *testing.T) {
	timer := NewTimer()
	var calls atomic.Int32

	timer.Arm(time.Now(), 30*time.Millisecond, func() { calls.Add(1) })
	require.True(t, timer.Disarm(), "pending task should be cancelled")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, timer.Armed())
}

func TestDisarmWhenIdle(t *testing.T) {
	timer := NewTimer()
	assert.False(t, timer.Disarm())
}

// re-arming replaces the previous task, only the latest callback runs
func TestRearmReplaces(t *testing.T) {
	timer := NewTimer()
	var first, second atomic.Int32

	timer.Arm(time.Now(), 20*time.Millisecond, func() { first.Add(1) })
	timer.Arm(time.Now(), 40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestDeadlineUsesCallerClock(t *testing.T) {
	timer := NewTimer()
	armedAt := time.Unix(100, 0)

	timer.Arm(armedAt, time.Hour, func() {})
	defer timer.Disarm()

	assert.Equal(t, armedAt.Add(time.Hour), timer.Deadline())
}
