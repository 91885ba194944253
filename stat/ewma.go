package stat

import (
	"math"
	"sync"
	"time"
)

// Clock abstracts a monotonic clock so Ewma and its callers are testable
// without real sleeps (§9 "Monotonic time").
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall/monotonic clock (time.Now carries a
// monotonic reading on every platform Go supports).
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Ewma is a half-life-based exponentially weighted moving average (§4.4).
type Ewma struct {
	mu       sync.Mutex
	halfLife time.Duration
	value    float64
	lastTime time.Time
	clock    Clock
}

// NewEwma returns an Ewma with the given half-life and initial value.
func NewEwma(halfLife time.Duration, initial float64) *Ewma {
	return NewEwmaWithClock(halfLife, initial, SystemClock{})
}

// NewEwmaWithClock is NewEwma with an injectable clock, for tests.
func NewEwmaWithClock(halfLife time.Duration, initial float64, clock Clock) *Ewma {
	return &Ewma{
		halfLife: halfLife,
		value:    initial,
		lastTime: clock.Now(),
		clock:    clock,
	}
}

// Insert folds a new sample x in at the current time:
// α = exp(-(t-t_last)*ln2/half_life); value := α*value + (1-α)*x.
func (e *Ewma) Insert(x float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	alpha := e.alpha(now)
	e.value = alpha*e.value + (1-alpha)*x
	e.lastTime = now
}

// Value reads the current estimate, lazily decaying it toward 0 for elapsed
// time since the last sample (no interpolation with a new sample).
func (e *Ewma) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	alpha := e.alpha(now)
	e.value *= alpha
	e.lastTime = now
	return e.value
}

// Elapsed returns the duration since the last Insert/Value call advanced the
// clock mark.
func (e *Ewma) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now().Sub(e.lastTime)
}

// Set overwrites the value without touching the decay clock, used by
// FailureAccrualSocket's window-reset snap (§4.7).
func (e *Ewma) Set(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
}

func (e *Ewma) alpha(now time.Time) float64 {
	if e.halfLife <= 0 {
		return 0
	}
	dt := now.Sub(e.lastTime)
	if dt <= 0 {
		return 1
	}
	return math.Exp(-float64(dt) * math.Ln2 / float64(e.halfLife))
}

// SampleEwma is the per-call sibling of Ewma: its half-life is measured in
// number of Insert calls rather than elapsed wall time, for rates that are
// naturally sampled per-event instead of per-tick (the reenqueue filter's
// retry rate, §4.8, half-life 50 samples).
type SampleEwma struct {
	mu    sync.Mutex
	alpha float64
	value float64
}

// NewSampleEwma returns a SampleEwma with the given half-life, in samples,
// and initial value.
func NewSampleEwma(halfLifeSamples float64, initial float64) *SampleEwma {
	alpha := 0.0
	if halfLifeSamples > 0 {
		alpha = math.Exp(-math.Ln2 / halfLifeSamples)
	}
	return &SampleEwma{alpha: alpha, value: initial}
}

// Insert folds x in: value := alpha*value + (1-alpha)*x.
func (e *SampleEwma) Insert(x float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = e.alpha*e.value + (1-e.alpha)*x
}

// Value reads the current estimate without disturbing it.
func (e *SampleEwma) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
