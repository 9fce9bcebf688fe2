package notify_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberwatch/internal/notify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGateAdmitCooldown(t *testing.T) {
	clock := newFakeClock()
	g := notify.NewGate(notify.GateConfig{Cooldown: 30 * time.Minute, Now: clock.Now})

	assert.True(t, g.Admit(1), "first admission opens the window")
	assert.False(t, g.Admit(1), "second admission within cooldown is denied")

	clock.Advance(29 * time.Minute)
	assert.False(t, g.Admit(1))
	assert.Equal(t, time.Minute, g.Remaining(1))

	clock.Advance(time.Minute)
	assert.True(t, g.Admit(1), "admission succeeds once the window elapsed")
	assert.Equal(t, 30*time.Minute, g.Remaining(1))

	e, ok := g.Entry(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.SendCount)
	assert.Equal(t, clock.Now(), e.LastSentAt)
}

func TestGateDenialDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	g := notify.NewGate(notify.GateConfig{Cooldown: 10 * time.Minute, Now: clock.Now})

	require.True(t, g.Admit(5))
	opened := clock.Now()

	clock.Advance(9 * time.Minute)
	require.False(t, g.Admit(5))

	e, _ := g.Entry(5)
	assert.Equal(t, opened, e.LastSentAt)
	assert.Equal(t, uint64(1), e.SendCount)

	clock.Advance(time.Minute)
	assert.True(t, g.Admit(5))
}

func TestGateKeysAreIndependent(t *testing.T) {
	g := notify.NewGate(notify.GateConfig{Cooldown: time.Hour})

	assert.True(t, g.Admit(1))
	assert.True(t, g.Admit(2))
	assert.False(t, g.Admit(1))
	assert.Equal(t, 2, g.Len())

	_, ok := g.Entry(3)
	assert.False(t, ok)
	assert.Zero(t, g.Remaining(3))
}

func TestGateDefaultCooldown(t *testing.T) {
	g := notify.NewGate(notify.GateConfig{})
	assert.Equal(t, notify.DefaultCooldown, g.Cooldown())
}

func TestGateConcurrentAdmitSingleWinner(t *testing.T) {
	g := notify.NewGate(notify.GateConfig{Cooldown: time.Hour})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.Admit(42) {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}
