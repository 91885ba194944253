package decorator

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/metrics"
	"github.com/sagernet/rsocket-go/stat"
)

// startupPenaltyMicros inflates the predicted latency of a socket that has
// never completed a request, so the selector does not pile every new request
// onto a socket merely because it looks "fast" for lack of data (§4.5).
const startupPenaltyMicros = 1_000_000

// DefaultInactivityPeriod is the idle interval after which a WeightedSocket
// decays its last prediction rather than reporting a stale, possibly
// optimistic, estimate (§4.5).
const DefaultInactivityPeriod = time.Second

// WeightedSocket tracks per-connection outstanding count and predicted
// latency via a sliding median of observed round trips (§3 "WeightedSocket
// state", §4.5). It is the direct generalization of the teacher's
// SagerNet-smux stream accounting (one struct owning counters mutated from
// both the caller's goroutine and an async completion watcher) to a
// load-prediction signal instead of a flow-control window.
type WeightedSocket struct {
	inner            Socket
	median           *stat.SlidingMedian
	inactivityPeriod time.Duration
	metr             metrics.Metrics
	socketID         string

	mu          sync.Mutex
	outstanding int64
	stamp       time.Time // last request/decay touch
	stamp0      time.Time // last activity edge (request start or terminate)
	duration    int64     // accumulated (outstanding x elapsed) integral, microseconds
}

// NewWeightedSocket wraps inner with latency prediction over a sliding
// median window of medianWindow samples (64 per §3 if medianWindow <= 0).
func NewWeightedSocket(inner Socket, medianWindow int, inactivityPeriod time.Duration) *WeightedSocket {
	if inactivityPeriod <= 0 {
		inactivityPeriod = DefaultInactivityPeriod
	}
	return &WeightedSocket{
		inner:            inner,
		median:           stat.NewSlidingMedian(medianWindow),
		inactivityPeriod: inactivityPeriod,
		metr:             metrics.NoOp(),
	}
}

// SetMetrics installs a Metrics sink and the socket id used to label its
// gauges/histograms (§2 "Metrics surface" — outstanding count, predicted
// latency). Call before the socket takes traffic.
func (w *WeightedSocket) SetMetrics(socketID string, m metrics.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.socketID = socketID
	w.metr = m
}

func (w *WeightedSocket) Request(ctx context.Context, p connection.Payload) (Stream, error) {
	start := time.Now()

	w.mu.Lock()
	w.duration += elapsedMicros(w.stamp0, start) * w.outstanding
	w.stamp0 = start
	w.outstanding++
	w.stamp = start
	outstanding, socketID, metr := w.outstanding, w.socketID, w.metr
	w.mu.Unlock()
	metr.Outstanding(socketID).Set(float64(outstanding))

	st, err := w.inner.Request(ctx, p)
	if err != nil {
		w.mu.Lock()
		w.outstanding--
		outstanding, socketID, metr = w.outstanding, w.socketID, w.metr
		w.mu.Unlock()
		metr.Outstanding(socketID).Set(float64(outstanding))
		return nil, err
	}

	go w.watch(st, start)
	return st, nil
}

func (w *WeightedSocket) watch(st Stream, start time.Time) {
	res, waitErr := st.Wait(context.Background())
	now := time.Now()

	w.mu.Lock()
	if waitErr == nil && res.Err == nil {
		w.median.Insert(elapsedMicros(start, now))
	}
	w.duration += elapsedMicros(w.stamp0, now)*w.outstanding - elapsedMicros(start, now)
	w.outstanding--
	w.stamp0 = now
	outstanding, socketID, metr := w.outstanding, w.socketID, w.metr
	w.mu.Unlock()
	metr.Outstanding(socketID).Set(float64(outstanding))
}

// PredictedLatency estimates this socket's current round-trip cost in
// microseconds, for the load balancer's P3C selection (§4.5, §4.9).
func (w *WeightedSocket) PredictedLatency() float64 {
	w.mu.Lock()

	now := time.Now()
	estimate := w.median.Estimate()

	var result float64
	switch {
	case estimate == 0 && w.outstanding == 0:
		result = 0
	case estimate == 0:
		result = float64(startupPenaltyMicros + w.outstanding)
	case w.outstanding == 0 && now.Sub(w.stamp) > w.inactivityPeriod:
		decayed := int64(float64(estimate) * 0.8)
		w.median.Insert(decayed)
		w.stamp = now
		result = float64(decayed)
	case w.outstanding == 0:
		result = float64(estimate)
	default:
		instantaneous := float64(w.duration) + float64(elapsedMicros(w.stamp0, now))*float64(w.outstanding)
		avg := instantaneous / float64(w.outstanding)
		if float64(estimate) > avg {
			result = float64(estimate)
		} else {
			result = avg
		}
	}

	socketID, metr := w.socketID, w.metr
	w.mu.Unlock()
	metr.PredictedLatency(socketID).Observe(result)
	return result
}

// Outstanding reports the number of in-flight requests on this socket.
func (w *WeightedSocket) Outstanding() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding
}

func (w *WeightedSocket) Availability() float64 { return w.inner.Availability() }
func (w *WeightedSocket) Close() error          { return w.inner.Close() }

func elapsedMicros(from, to time.Time) int64 {
	if from.IsZero() {
		return 0
	}
	return to.Sub(from).Microseconds()
}
