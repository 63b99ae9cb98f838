package calltimer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (c *manualClock) factory(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &manualTicker{ch: make(chan time.Time)}
	c.tickers = append(c.tickers, tk)
	return tk
}

func (c *manualClock) last() *manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[len(c.tickers)-1]
}

func newManualTimer(t *testing.T) (*Timer, *manualClock, chan time.Duration) {
	t.Helper()
	clock := &manualClock{}
	ticks := make(chan time.Duration, 16)
	tm := New(WithTicker(clock.factory), WithOnTick(func(d time.Duration) { ticks <- d }))
	return tm, clock, ticks
}

func waitTick(t *testing.T, ticks chan time.Duration) time.Duration {
	t.Helper()
	select {
	case d := <-ticks:
		return d
	case <-time.After(time.Second):
		t.Fatal("tick not observed")
		return 0
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{5 * time.Second, "00:00:05"},
		{61 * time.Second, "00:01:01"},
		{3600 * time.Second, "01:00:00"},
		{100*time.Hour + 59*time.Minute + 59*time.Second, "100:59:59"},
		{1500 * time.Millisecond, "00:00:01"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.in), tt.in.String())
	}
}

func TestTimerCountsTicks(t *testing.T) {
	tm, clock, ticks := newManualTimer(t)
	tm.Start()
	require.True(t, tm.Running())

	clock.last().ch <- time.Now()
	assert.Equal(t, time.Second, waitTick(t, ticks))
	clock.last().ch <- time.Now()
	assert.Equal(t, 2*time.Second, waitTick(t, ticks))
	assert.Equal(t, "00:00:02", tm.Display())

	tm.Stop()
	assert.False(t, tm.Running())
	assert.True(t, clock.last().isStopped())
}

func TestTimerStartResetsElapsed(t *testing.T) {
	tm, clock, ticks := newManualTimer(t)
	tm.Start()
	clock.last().ch <- time.Now()
	waitTick(t, ticks)

	first := clock.last()
	tm.Start()
	assert.True(t, first.isStopped())
	assert.Equal(t, "00:00:00", tm.Display())

	clock.last().ch <- time.Now()
	assert.Equal(t, time.Second, waitTick(t, ticks))
}

func TestTimerStopIsIdempotent(t *testing.T) {
	tm := New()
	assert.NotPanics(t, func() {
		tm.Stop()
		tm.Stop()
	})

	tm.Start()
	tm.Stop()
	assert.NotPanics(t, tm.Stop)
	assert.False(t, tm.Running())
}

func TestTimerResetClearsElapsed(t *testing.T) {
	tm, clock, ticks := newManualTimer(t)
	tm.Start()
	clock.last().ch <- time.Now()
	waitTick(t, ticks)

	tm.Reset()
	assert.False(t, tm.Running())
	assert.Equal(t, time.Duration(0), tm.Elapsed())
}
