// Package clock abstracts wall time and timers so that frame scheduling,
// debouncing and heartbeats can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// FrameInterval is the delay used to coalesce work into one display frame.
const FrameInterval = 16 * time.Millisecond

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already ran
	// or was already stopped.
	Stop() bool
}

// Clock supplies the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) Timer
}

// Real is the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs fn on its own goroutine after delay.
func (Real) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// Manual is a clock that only moves when Advance is called. Due callbacks run
// synchronously on the goroutine calling Advance, in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
	seq     uint64
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules fn to run once Advance passes now+delay.
func (m *Manual) AfterFunc(delay time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	timer := &manualTimer{clock: m, deadline: m.now.Add(delay), seq: m.seq, fn: fn}
	m.pending = append(m.pending, timer)
	return timer
}

// Pending reports how many callbacks are scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by delta and runs every callback that
// becomes due, including callbacks scheduled by callbacks within the window.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	target := m.now.Add(delta)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.popDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		m.mu.Unlock()
		next.fn()
	}
}

func (m *Manual) popDueLocked(target time.Time) *manualTimer {
	if len(m.pending) == 0 {
		return nil
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].deadline.Equal(m.pending[j].deadline) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].deadline.Before(m.pending[j].deadline)
	})
	head := m.pending[0]
	if head.deadline.After(target) {
		return nil
	}
	m.pending = m.pending[1:]
	head.fired = true
	return head
}

func (m *Manual) remove(timer *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer.fired {
		return false
	}
	for index, candidate := range m.pending {
		if candidate == timer {
			m.pending = append(m.pending[:index], m.pending[index+1:]...)
			timer.fired = true
			return true
		}
	}
	return false
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	seq      uint64
	fn       func()
	fired    bool
}

func (t *manualTimer) Stop() bool {
	return t.clock.remove(t)
}
