// Package metrics defines the injectable metrics surface (§2 "Metrics
// surface") and a Prometheus-backed implementation. The core never reaches
// for a process-wide recorder (§9 "global bunyan logger / metrix recorder")
// — every component that records metrics takes a Metrics value explicitly.
package metrics

import "time"

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a value that can move in either direction.
type Gauge interface {
	Set(v float64)
}

// Histogram records a distribution of observed values (e.g. predicted
// latency, in microseconds).
type Histogram interface {
	Observe(v float64)
}

// Timer is a convenience wrapper that records an observed duration into a
// Histogram when Stop is called.
type Timer struct {
	start time.Time
	hist  Histogram
}

// StartTimer begins timing, to be stopped once the measured operation
// completes.
func StartTimer(h Histogram) *Timer {
	return &Timer{start: time.Now(), hist: h}
}

// Stop records the elapsed time in microseconds.
func (t *Timer) Stop() {
	if t.hist == nil {
		return
	}
	t.hist.Observe(float64(time.Since(t.start).Microseconds()))
}

// Metrics is the aggregator surface components record against. The value
// returned by NoOp() discards everything.
type Metrics interface {
	// Connections tracks setup/teardown and lease grants.
	ConnectionsOpened() Counter
	ConnectionsClosed() Counter
	LeaseBudget(factoryName string) Gauge

	// Sockets tracks per-socket load-balancer state.
	Outstanding(socketID string) Gauge
	PredictedLatency(socketID string) Histogram
	SocketEvictions() Counter

	// LoadBalancer tracks aperture/selection state.
	Aperture() Gauge
	EmptyLBErrors() Counter
}
