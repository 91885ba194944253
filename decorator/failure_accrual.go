package decorator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/stat"
)

// DefaultFailureAccrualHalfLife is the EWMA half-life over which a socket's
// success/failure signal decays (§3 "FailureAccrualSocket state").
const DefaultFailureAccrualHalfLife = 30 * time.Second

// availabilityEpsilon is the floor clamp_epsilon applies: a socket that has
// accrued enough failures to hit ewma.value==0 still keeps a sliver of
// availability so the selector can probe it for recovery rather than
// starving it forever.
const availabilityEpsilon = 1e-4

// FailureAccrualSocket tracks per-socket success/failure as an EWMA and
// folds it into availability, so a flaky connection is progressively
// deprioritized by the load balancer's selection without being torn down
// (§4.7).
type FailureAccrualSocket struct {
	inner  Socket
	ewma   *stat.Ewma
	window time.Duration
	clock  stat.Clock

	mu         sync.Mutex
	lastUpdate time.Time
}

// NewFailureAccrualSocket wraps inner with a failure-accrual EWMA of the
// given half-life (30s per §3 if halfLife <= 0).
func NewFailureAccrualSocket(inner Socket, halfLife time.Duration) *FailureAccrualSocket {
	return NewFailureAccrualSocketWithClock(inner, halfLife, stat.SystemClock{})
}

// NewFailureAccrualSocketWithClock is NewFailureAccrualSocket with an
// injectable clock, for tests that need to simulate elapsed time without
// real sleeps.
func NewFailureAccrualSocketWithClock(inner Socket, halfLife time.Duration, clock stat.Clock) *FailureAccrualSocket {
	if halfLife <= 0 {
		halfLife = DefaultFailureAccrualHalfLife
	}
	return &FailureAccrualSocket{
		inner:      inner,
		ewma:       stat.NewEwmaWithClock(halfLife, 1.0, clock),
		window:     time.Duration(float64(halfLife) / math.Ln2),
		clock:      clock,
		lastUpdate: clock.Now(),
	}
}

func (f *FailureAccrualSocket) Request(ctx context.Context, p connection.Payload) (Stream, error) {
	st, err := f.inner.Request(ctx, p)
	if err != nil {
		return nil, err
	}
	go f.watch(st)
	return st, nil
}

func (f *FailureAccrualSocket) watch(st Stream) {
	res, waitErr := st.Wait(context.Background())
	f.record(waitErr == nil && res.Err == nil)
}

func (f *FailureAccrualSocket) record(success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if now.Sub(f.lastUpdate) > f.window {
		f.ewma.Set(math.Min(1.0, f.ewma.Value()+0.5))
	}
	if success {
		f.ewma.Insert(1.0)
	} else {
		f.ewma.Insert(0.0)
	}
	f.lastUpdate = now
}

// Availability is clamp_epsilon(ewma.value) x inner.Availability() (§4.7).
func (f *FailureAccrualSocket) Availability() float64 {
	v := f.ewma.Value()
	if v < availabilityEpsilon {
		v = availabilityEpsilon
	} else if v > 1.0 {
		v = 1.0
	}
	return v * f.inner.Availability()
}

func (f *FailureAccrualSocket) Close() error { return f.inner.Close() }
