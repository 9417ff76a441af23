package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextTimes_AppliesOffset(t *testing.T) {
	s := &AlignedScheduler{Interval: 10 * time.Second, Offset: 5 * time.Second}
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	at, wait := s.nextTimes(base.Add(2 * time.Second))
	assert.Equal(t, base.Add(5*time.Second), at)
	assert.Equal(t, 3*time.Second, wait)

	at, _ = s.nextTimes(base.Add(5 * time.Second))
	assert.Equal(t, base.Add(15*time.Second), at, "a boundary that is now is already past")

	at, _ = s.nextTimes(base.Add(7 * time.Second))
	assert.Equal(t, base.Add(15*time.Second), at)
}

func TestNextTimes_PhaseOffsetLoopsNeverCoincide(t *testing.T) {
	entry := &AlignedScheduler{Interval: 4 * time.Second}
	exit := &AlignedScheduler{Interval: 4 * time.Second, Offset: 2 * time.Second}
	now := time.Date(2026, 3, 2, 14, 0, 1, 0, time.UTC)
	for i := 0; i < 10; i++ {
		a, _ := entry.nextTimes(now)
		b, _ := exit.nextTimes(now)
		assert.NotEqual(t, a, b)
		now = now.Add(time.Second)
	}
}

func TestStart_RunImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAlignedScheduler(ctx, 20*time.Millisecond, 0)
	s.RunImmediately = true
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() { runs.Add(1) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStart_InvalidInterval(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), 0, 0)
	ran := false
	s.Start(func() { ran = true })
	assert.False(t, ran)
}
