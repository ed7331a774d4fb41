package lease

import (
	"sync"
	"time"
)

// a lease bounds how long a peer may hold the critical section
// Timer is a cancellable delayed task, armed on entry to HELD and disarmed on exit
// the callback runs on its own goroutine and must take whatever lock guards the state it touches
type Timer struct {
	mu         sync.Mutex
	timer      *time.Timer
	generation uint64 // bumped on every Arm/Disarm so superseded callbacks are dropped
	deadline   time.Time
}

func NewTimer() *Timer {
	return &Timer{}
}

// arms the timer, replacing any task already armed
// now is the caller's clock reading, the reported deadline is now + d
func (t *Timer) Arm(now time.Time, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.deadline = now.Add(d)

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.generation {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.deadline = time.Time{}
		t.mu.Unlock()

		fn()
	})
}

// cancels the armed task
// returns true if a task was pending and will no longer run
func (t *Timer) Disarm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	t.deadline = time.Time{}
	if t.timer == nil {
		return false
	}
	stopped := t.timer.Stop()
	t.timer = nil
	return stopped
}

func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// zero when not armed
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}
