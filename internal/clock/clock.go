// Package clock provides the blocking waits used by hardware sequencing.
//
// Panel settle times are lower bounds: an implementation may wait longer
// than requested but never shorter. Sequencing code takes a Clock so tests
// can run the full power-up timeline against a Virtual clock.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock blocks the caller for at least the requested duration.
type Clock interface {
	// Sleep waits at least d.
	Sleep(d time.Duration)
	// SleepRange waits somewhere in [min, max]. Used where the hardware
	// accepts a window, so the scheduler can coalesce wakeups.
	SleepRange(min, max time.Duration)
}

// Real is the wall clock.
type Real struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewReal returns a Clock backed by time.Sleep.
func NewReal() *Real {
	return &Real{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (c *Real) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

func (c *Real) SleepRange(min, max time.Duration) {
	c.Sleep(pick(c, min, max))
}

func pick(c *Real, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return min + time.Duration(c.rnd.Int63n(int64(max-min)+1))
}

// Virtual records waits instead of blocking. Ranged waits are recorded at
// their lower bound, which is the worst case the hardware must tolerate.
type Virtual struct {
	mu      sync.Mutex
	elapsed time.Duration
	waits   []time.Duration
}

// NewVirtual returns a Virtual clock at t=0.
func NewVirtual() *Virtual {
	return &Virtual{}
}

func (v *Virtual) Sleep(d time.Duration) {
	if d < 0 {
		d = 0
	}
	v.mu.Lock()
	v.elapsed += d
	v.waits = append(v.waits, d)
	v.mu.Unlock()
}

func (v *Virtual) SleepRange(min, _ time.Duration) {
	v.Sleep(min)
}

// Elapsed is the sum of all recorded waits.
func (v *Virtual) Elapsed() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.elapsed
}

// Waits returns a copy of the recorded waits in call order.
func (v *Virtual) Waits() []time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]time.Duration, len(v.waits))
	copy(out, v.waits)
	return out
}

// Reset clears recorded waits.
func (v *Virtual) Reset() {
	v.mu.Lock()
	v.elapsed = 0
	v.waits = nil
	v.mu.Unlock()
}
