package broadcast

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMonitorEvictsStaleChannels(t *testing.T) {
	m := NewMonitor(30*time.Millisecond, time.Hour, zap.NewNop())

	var evicted atomic.Int32
	m.Track("ch-1", func() { evicted.Add(1) })
	assert.Equal(t, 1, m.Tracked())

	time.Sleep(50 * time.Millisecond)
	m.sweep(time.Now())

	assert.Equal(t, int32(1), evicted.Load())
	assert.Equal(t, 0, m.Tracked())
}

func TestTouchKeepsChannelAlive(t *testing.T) {
	m := NewMonitor(40*time.Millisecond, time.Hour, zap.NewNop())

	var evicted atomic.Int32
	m.Track("ch-1", func() { evicted.Add(1) })

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		m.Touch("ch-1")
	}
	m.sweep(time.Now())

	assert.Equal(t, int32(0), evicted.Load())
	assert.Equal(t, 1, m.Tracked())
}

func TestForgetPreventsEviction(t *testing.T) {
	m := NewMonitor(10*time.Millisecond, time.Hour, zap.NewNop())

	var evicted atomic.Int32
	m.Track("ch-1", func() { evicted.Add(1) })
	m.Forget("ch-1")

	time.Sleep(20 * time.Millisecond)
	m.sweep(time.Now())

	assert.Equal(t, int32(0), evicted.Load())
	assert.Equal(t, 0, m.Tracked())
}

func TestTouchUnknownChannelIsNoop(t *testing.T) {
	m := NewMonitor(time.Second, time.Hour, zap.NewNop())
	m.Touch("never-tracked")
	assert.Equal(t, 0, m.Tracked())
}

func TestStartSweepsPeriodically(t *testing.T) {
	m := NewMonitor(15*time.Millisecond, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evicted := make(chan struct{})
	m.Track("ch-1", func() { close(evicted) })
	m.Start(ctx)

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("stale channel never evicted by periodic sweep")
	}
}
