package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollBackoffGrowsEveryFifthPoll(t *testing.T) {
	b := NewPollBackoff(3600)
	var got []int
	for i := 0; i < 11; i++ {
		got = append(got, b.Tick())
	}
	assert.Equal(t, []int{4, 4, 4, 4, 4, 7, 7, 7, 7, 7, 10}, got)
}

func TestPollBackoffMonotoneAndBounded(t *testing.T) {
	const max = 700
	b := NewPollBackoff(max)
	prev := 0
	sawSixStep, sawDoubling := false, false
	for i := 0; i < 5000; i++ {
		d := b.Tick()
		if i%5 != 0 {
			assert.Equal(t, prev, d)
			continue
		}
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, max)
		if prev >= 100 && prev < 300 {
			assert.Equal(t, prev+6, d)
			sawSixStep = true
		}
		if prev >= 300 && prev*2 <= max {
			assert.Equal(t, prev*2, d)
			sawDoubling = true
		}
		prev = d
	}
	assert.Equal(t, max, prev)
	assert.True(t, sawSixStep)
	assert.True(t, sawDoubling)
}

func TestPollBackoffStopUpdating(t *testing.T) {
	b := NewPollBackoff(0)
	for i := 0; i < 20; i++ {
		b.Tick()
	}
	assert.Greater(t, b.Delta(), 1)

	b.StopUpdating()
	assert.False(t, b.Active())
	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, b.Tick())
	}
}

func TestPollBackoffNextPoll(t *testing.T) {
	b := NewPollBackoff(10)
	now := time.Unix(1000, 0)
	d, next := b.NextPoll(now)
	assert.Equal(t, 4, d)
	assert.Equal(t, now.Add(4*time.Second), next)
}
