package request

import (
	"sync"
	"time"
)

// DefaultMaxPollDelta caps the poll hint when no maximum is configured.
const DefaultMaxPollDelta = 3600

// PollBackoff tells polling clients how many seconds to wait before asking
// again. The delta grows on every fifth counted poll and collapses to 1 once
// StopUpdating is called.
type PollBackoff struct {
	mu     sync.Mutex
	delta  int
	active bool
	i      int
	max    int
}

// NewPollBackoff returns a counter clamped to max seconds.
func NewPollBackoff(max int) *PollBackoff {
	if max <= 0 {
		max = DefaultMaxPollDelta
	}
	return &PollBackoff{delta: 1, active: true, max: max}
}

// Tick counts one poll and returns the current delta in seconds.
func (b *PollBackoff) Tick() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active && b.i == 0 {
		switch {
		case b.delta < 100:
			b.delta += 3
		case b.delta < 300:
			b.delta += 6
		default:
			b.delta *= 2
		}
		if b.delta > b.max {
			b.delta = b.max
		}
	}
	b.i = (b.i + 1) % 5
	return b.delta
}

// StopUpdating resets the delta to 1 and freezes it.
func (b *PollBackoff) StopUpdating() {
	b.mu.Lock()
	b.delta = 1
	b.active = false
	b.mu.Unlock()
}

// Delta returns the current delta without counting a poll.
func (b *PollBackoff) Delta() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delta
}

func (b *PollBackoff) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// NextPoll counts a poll and returns the earliest time the client should poll again.
func (b *PollBackoff) NextPoll(now time.Time) (int, time.Time) {
	d := b.Tick()
	return d, now.Add(time.Duration(d) * time.Second)
}
