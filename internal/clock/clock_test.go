package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualRecordsWaits(t *testing.T) {
	v := NewVirtual()
	v.Sleep(12 * time.Millisecond)
	v.SleepRange(2*time.Millisecond, 3*time.Millisecond)
	v.Sleep(-time.Second)

	assert.Equal(t, []time.Duration{12 * time.Millisecond, 2 * time.Millisecond, 0}, v.Waits())
	assert.Equal(t, 14*time.Millisecond, v.Elapsed())

	v.Reset()
	assert.Empty(t, v.Waits())
	assert.Zero(t, v.Elapsed())
}

func TestRealSleepRangeStaysInWindow(t *testing.T) {
	c := NewReal()
	for i := 0; i < 100; i++ {
		d := pick(c, 2*time.Millisecond, 3*time.Millisecond)
		assert.GreaterOrEqual(t, d, 2*time.Millisecond)
		assert.LessOrEqual(t, d, 3*time.Millisecond)
	}
	assert.Equal(t, 5*time.Millisecond, pick(c, 5*time.Millisecond, time.Millisecond))
}

func TestRealSleepWaitsAtLeast(t *testing.T) {
	c := NewReal()
	start := time.Now()
	c.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}
