package lb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/decorator"
	"github.com/sagernet/rsocket-go/metrics"
)

// recordingMetrics is a minimal metrics.Metrics fake recording aperture
// samples and eviction counts, so tests can assert the load balancer
// actually reports through its injected sink rather than metrics.NoOp().
type recordingMetrics struct {
	mu              sync.Mutex
	apertureSamples []float64
	evictions       int32
}

func (m *recordingMetrics) ConnectionsOpened() metrics.Counter   { return discardCounter{} }
func (m *recordingMetrics) ConnectionsClosed() metrics.Counter   { return discardCounter{} }
func (m *recordingMetrics) LeaseBudget(string) metrics.Gauge     { return discardGauge{} }
func (m *recordingMetrics) Outstanding(string) metrics.Gauge     { return discardGauge{} }
func (m *recordingMetrics) PredictedLatency(string) metrics.Histogram {
	return discardHistogram{}
}
func (m *recordingMetrics) EmptyLBErrors() metrics.Counter { return discardCounter{} }

func (m *recordingMetrics) SocketEvictions() metrics.Counter {
	return countingCounter{func() { atomic.AddInt32(&m.evictions, 1) }}
}

func (m *recordingMetrics) Aperture() metrics.Gauge {
	return recordingGauge{func(v float64) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.apertureSamples = append(m.apertureSamples, v)
	}}
}

type discardCounter struct{}

func (discardCounter) Inc()              {}
func (discardCounter) Add(delta float64) {}

type discardGauge struct{}

func (discardGauge) Set(float64) {}

type discardHistogram struct{}

func (discardHistogram) Observe(float64) {}

type countingCounter struct{ inc func() }

func (c countingCounter) Inc()            { c.inc() }
func (c countingCounter) Add(delta float64) {}

type recordingGauge struct{ set func(float64) }

func (g recordingGauge) Set(v float64) { g.set(v) }

type fakeFactory struct {
	name string

	mu           sync.Mutex
	availability float64
	built        int32
}

func newFakeFactory(name string) *fakeFactory {
	return &fakeFactory{name: name, availability: 1.0}
}

func (f *fakeFactory) Build(ctx context.Context) (decorator.Socket, error) {
	atomic.AddInt32(&f.built, 1)
	return newFakeSocket(), nil
}

func (f *fakeFactory) Availability() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availability
}

func (f *fakeFactory) Name() string { return f.name }

type fakeSocket struct {
	mu           sync.Mutex
	availability float64
	closed       int32
	latency      time.Duration
}

func newFakeSocket() *fakeSocket { return &fakeSocket{availability: 1.0} }

func (s *fakeSocket) Request(ctx context.Context, p connection.Payload) (decorator.Stream, error) {
	s.mu.Lock()
	lat := s.latency
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		if lat > 0 {
			time.Sleep(lat)
		}
		close(done)
	}()
	return &fakeStream{done: done}, nil
}

func (s *fakeSocket) Availability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availability
}

func (s *fakeSocket) Close() error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

type fakeStream struct{ done chan struct{} }

func (s *fakeStream) Wait(ctx context.Context) (connection.Result, error) {
	select {
	case <-s.done:
		return connection.Result{}, nil
	case <-ctx.Done():
		return connection.Result{}, ctx.Err()
	}
}

func (s *fakeStream) Cancel() {}

func waitForSockets(t *testing.T, lb *LoadBalancer, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		return len(lb.sockets) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoadBalancerOpensUpToInitialAperture(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 4
	opts.MinAperture = 4
	factories := []Factory{
		newFakeFactory("a"), newFakeFactory("b"), newFakeFactory("c"), newFakeFactory("d"),
	}
	balancer := New(factories, opts)
	defer balancer.Close()

	waitForSockets(t, balancer, 4)
}

func TestLoadBalancerRequestReturnsEmptyLBWhenNoSockets(t *testing.T) {
	balancer := New(nil, DefaultOptions())
	defer balancer.Close()

	st, err := balancer.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)
	res, err := st.Wait(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Err)
}

func TestLoadBalancerRequestRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 4
	opts.MinAperture = 4
	factories := []Factory{newFakeFactory("only")}
	balancer := New(factories, opts)
	defer balancer.Close()

	waitForSockets(t, balancer, 1)

	st, err := balancer.Request(context.Background(), connection.Payload{Data: []byte("x")})
	require.NoError(t, err)
	res, err := st.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
}

func TestLoadBalancerAvailabilityIsMeanOfSockets(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 4
	opts.MinAperture = 4
	factories := []Factory{newFakeFactory("a"), newFakeFactory("b")}
	balancer := New(factories, opts)
	defer balancer.Close()

	waitForSockets(t, balancer, 2)
	require.InDelta(t, 1.0, balancer.Availability(), 1e-9)
}

func TestLoadBalancerRemoveFactoryEvictsItsSockets(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 4
	opts.MinAperture = 4
	f1 := newFakeFactory("a")
	factories := []Factory{f1}
	balancer := New(factories, opts)
	defer balancer.Close()

	waitForSockets(t, balancer, 1)
	balancer.RemoveFactory(f1)

	require.Eventually(t, func() bool {
		balancer.mu.Lock()
		defer balancer.mu.Unlock()
		return len(balancer.sockets) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoadBalancerCloseClosesSockets(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 4
	opts.MinAperture = 4
	factories := []Factory{newFakeFactory("a")}
	balancer := New(factories, opts)
	waitForSockets(t, balancer, 1)

	balancer.mu.Lock()
	se := balancer.sockets[0]
	balancer.mu.Unlock()

	require.NoError(t, balancer.Close())
	require.Equal(t, 0.0, balancer.Availability())
	require.Equal(t, 0.0, se.draining.Availability(), "member socket must be closed (draining) after Close")
}

func TestLoadBalancerRecordsApertureMetric(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 2
	opts.MinAperture = 2
	opts.ApertureRefreshPeriod = time.Millisecond
	factories := []Factory{newFakeFactory("a"), newFakeFactory("b")}
	balancer := New(factories, opts)
	defer balancer.Close()

	rec := &recordingMetrics{}
	balancer.SetMetrics(rec)

	waitForSockets(t, balancer, 2)
	time.Sleep(5 * time.Millisecond)
	balancer.refreshSockets()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.apertureSamples, "updateAperture should report the target via the injected Metrics sink")
}

func TestLoadBalancerEvictSlowestRecordsSocketEvictionMetric(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialAperture = 2
	opts.MinAperture = 2
	factories := []Factory{newFakeFactory("a"), newFakeFactory("b")}
	balancer := New(factories, opts)
	defer balancer.Close()

	rec := &recordingMetrics{}
	balancer.SetMetrics(rec)

	waitForSockets(t, balancer, 2)
	balancer.evictSlowest()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rec.evictions) == 1
	}, time.Second, 5*time.Millisecond)
}
