package decorator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/metrics"
	"github.com/sagernet/rsocket-go/rserrors"
	"github.com/sagernet/rsocket-go/stat"
)

// recordingMetrics is a minimal metrics.Metrics fake that records the last
// value/label passed to Outstanding/PredictedLatency, so tests can assert
// WeightedSocket actually reports through the injected sink instead of just
// exercising metrics.NoOp().
type recordingMetrics struct {
	mu               sync.Mutex
	outstandingID    string
	outstandingVal   float64
	outstandingCalls int
	latencyID        string
	latencyVal       float64
	latencyCalls     int
}

func (m *recordingMetrics) ConnectionsOpened() metrics.Counter { return noopCounter{} }
func (m *recordingMetrics) ConnectionsClosed() metrics.Counter { return noopCounter{} }
func (m *recordingMetrics) LeaseBudget(string) metrics.Gauge   { return noopGauge{} }
func (m *recordingMetrics) SocketEvictions() metrics.Counter   { return noopCounter{} }
func (m *recordingMetrics) Aperture() metrics.Gauge            { return noopGauge{} }
func (m *recordingMetrics) EmptyLBErrors() metrics.Counter     { return noopCounter{} }

func (m *recordingMetrics) Outstanding(socketID string) metrics.Gauge {
	return recordingGauge{func(v float64) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.outstandingID, m.outstandingVal = socketID, v
		m.outstandingCalls++
	}}
}

func (m *recordingMetrics) PredictedLatency(socketID string) metrics.Histogram {
	return recordingHistogram{func(v float64) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.latencyID, m.latencyVal = socketID, v
		m.latencyCalls++
	}}
}

type noopCounter struct{}

func (noopCounter) Inc()              {}
func (noopCounter) Add(delta float64) {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type recordingGauge struct{ set func(float64) }

func (g recordingGauge) Set(v float64) { g.set(v) }

type recordingHistogram struct{ observe func(float64) }

func (h recordingHistogram) Observe(v float64) { h.observe(v) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ stat.Clock = (*fakeClock)(nil)

// fakeSocket and fakeStream let each decorator be tested in isolation from
// Connection/transport plumbing.
type fakeSocket struct {
	mu           sync.Mutex
	availability float64
	requests     int32
	closed       int32
	next         func(p connection.Payload) *fakeStream
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{availability: 1.0}
}

func (f *fakeSocket) Request(ctx context.Context, p connection.Payload) (Stream, error) {
	atomic.AddInt32(&f.requests, 1)
	f.mu.Lock()
	mk := f.next
	f.mu.Unlock()
	if mk != nil {
		return mk(p), nil
	}
	return newFakeStream(connection.Result{Payload: p}), nil
}

func (f *fakeSocket) Availability() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availability
}

func (f *fakeSocket) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

type fakeStream struct {
	done   chan struct{}
	result connection.Result
	cancel int32
}

func newFakeStream(res connection.Result) *fakeStream {
	s := &fakeStream{done: make(chan struct{}), result: res}
	close(s.done)
	return s
}

func newPendingFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) resolve(res connection.Result) {
	s.result = res
	close(s.done)
}

func (s *fakeStream) Wait(ctx context.Context) (connection.Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return connection.Result{}, ctx.Err()
	}
}

func (s *fakeStream) Cancel() { atomic.AddInt32(&s.cancel, 1) }

func TestDrainingSocketDefersCloseUntilOutstandingDrain(t *testing.T) {
	inner := newFakeSocket()
	pending := newPendingFakeStream()
	inner.next = func(p connection.Payload) *fakeStream { return pending }

	d := NewDrainingSocket(inner, 5*time.Second)

	st, err := d.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.Equal(t, int32(0), atomic.LoadInt32(&inner.closed), "close deferred while a request is outstanding")
	require.Equal(t, 0.0, d.Availability())

	pending.resolve(connection.Result{})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inner.closed) == 1
	}, time.Second, time.Millisecond)

	_, _ = st.Wait(context.Background())
}

func TestDrainingSocketRejectsNewRequestsWhileDraining(t *testing.T) {
	inner := newFakeSocket()
	d := NewDrainingSocket(inner, time.Second)
	require.NoError(t, d.Close())

	_, err := d.Request(context.Background(), connection.Payload{})
	require.Error(t, err)
}

func TestWeightedSocketPredictedLatencyZeroWhenIdleAndCold(t *testing.T) {
	inner := newFakeSocket()
	w := NewWeightedSocket(inner, 8, time.Second)
	require.Equal(t, 0.0, w.PredictedLatency())
}

func TestWeightedSocketPredictedLatencyPenalizesColdOutstanding(t *testing.T) {
	inner := newFakeSocket()
	pending := newPendingFakeStream()
	inner.next = func(p connection.Payload) *fakeStream { return pending }

	w := NewWeightedSocket(inner, 8, time.Second)
	_, err := w.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.Outstanding() == 1 }, time.Second, time.Millisecond)
	require.Greater(t, w.PredictedLatency(), float64(startupPenaltyMicros))

	pending.resolve(connection.Result{})
}

func TestWeightedSocketDurationStaysZeroAcrossNonOverlappingRequests(t *testing.T) {
	inner := newFakeSocket()
	w := NewWeightedSocket(inner, 8, time.Second)

	st1, err := w.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)
	_, err = st1.Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Outstanding() == 0 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	st2, err := w.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)
	_, err = st2.Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Outstanding() == 0 }, time.Second, time.Millisecond)

	w.mu.Lock()
	duration := w.duration
	w.mu.Unlock()
	require.Zero(t, duration, "no two requests were ever outstanding at once, so the duration integral must stay zero")
}

func TestWeightedSocketReportsMetrics(t *testing.T) {
	inner := newFakeSocket()
	pending := newPendingFakeStream()
	inner.next = func(p connection.Payload) *fakeStream { return pending }

	w := NewWeightedSocket(inner, 8, time.Second)
	rec := &recordingMetrics{}
	w.SetMetrics("sock-1", rec)

	_, err := w.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)

	rec.mu.Lock()
	require.Equal(t, "sock-1", rec.outstandingID)
	require.Equal(t, 1.0, rec.outstandingVal)
	require.GreaterOrEqual(t, rec.outstandingCalls, 1)
	rec.mu.Unlock()

	require.Greater(t, w.PredictedLatency(), 0.0)
	rec.mu.Lock()
	require.Equal(t, "sock-1", rec.latencyID)
	require.Equal(t, 1, rec.latencyCalls)
	rec.mu.Unlock()

	pending.resolve(connection.Result{})
	require.Eventually(t, func() bool { return w.Outstanding() == 0 }, time.Second, time.Millisecond)
	rec.mu.Lock()
	require.Equal(t, 0.0, rec.outstandingVal)
	rec.mu.Unlock()
}

func TestWeightedSocketMedianConverges(t *testing.T) {
	inner := newFakeSocket()
	w := NewWeightedSocket(inner, 8, time.Second)

	for i := 0; i < 5; i++ {
		st, err := w.Request(context.Background(), connection.Payload{})
		require.NoError(t, err)
		_, _ = st.Wait(context.Background())
	}

	require.Eventually(t, func() bool { return w.PredictedLatency() >= 0 }, time.Second, time.Millisecond)
}

func TestFailureAccrualDecaysAvailabilityOnFailure(t *testing.T) {
	inner := newFakeSocket()
	inner.next = func(p connection.Payload) *fakeStream {
		return newFakeStream(connection.Result{Err: rserrors.New(rserrors.KindApplication, nil)})
	}

	clk := newFakeClock()
	f := NewFailureAccrualSocketWithClock(inner, 30*time.Second, clk)
	require.InDelta(t, 1.0, f.Availability(), 1e-9)

	for i := 0; i < 50; i++ {
		clk.advance(time.Second)
		st, err := f.Request(context.Background(), connection.Payload{})
		require.NoError(t, err)
		_, _ = st.Wait(context.Background())
	}

	require.Less(t, f.Availability(), 0.5)
}

func TestFailureAccrualStaysHighOnSuccess(t *testing.T) {
	inner := newFakeSocket()
	clk := newFakeClock()
	f := NewFailureAccrualSocketWithClock(inner, 30*time.Second, clk)

	for i := 0; i < 10; i++ {
		clk.advance(time.Second)
		st, err := f.Request(context.Background(), connection.Payload{})
		require.NoError(t, err)
		_, _ = st.Wait(context.Background())
	}

	require.Greater(t, f.Availability(), 0.99)
}

func TestReEnqueueFilterRetriesRejected(t *testing.T) {
	inner := newFakeSocket()
	var attempt int32
	inner.next = func(p connection.Payload) *fakeStream {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			return newFakeStream(connection.Result{Err: rserrors.New(rserrors.KindRejected, nil)})
		}
		return newFakeStream(connection.Result{Payload: p})
	}

	r := NewReEnqueueFilter(inner, 3, 1.0)
	st, err := r.Request(context.Background(), connection.Payload{Data: []byte("x")})
	require.NoError(t, err)

	res, err := st.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, int32(2), atomic.LoadInt32(&inner.requests))
}

func TestReEnqueueFilterStopsAtMaxAttempts(t *testing.T) {
	inner := newFakeSocket()
	inner.next = func(p connection.Payload) *fakeStream {
		return newFakeStream(connection.Result{Err: rserrors.New(rserrors.KindCanceled, nil)})
	}

	r := NewReEnqueueFilter(inner, 2, 1.0)
	st, err := r.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)

	res, err := st.Wait(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.LessOrEqual(t, int(atomic.LoadInt32(&inner.requests)), 3)
}

func TestReEnqueueFilterDoesNotRetryApplicationError(t *testing.T) {
	inner := newFakeSocket()
	inner.next = func(p connection.Payload) *fakeStream {
		return newFakeStream(connection.Result{Err: rserrors.New(rserrors.KindApplication, nil)})
	}

	r := NewReEnqueueFilter(inner, 3, 1.0)
	st, err := r.Request(context.Background(), connection.Payload{})
	require.NoError(t, err)

	res, err := st.Wait(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.Equal(t, int32(1), atomic.LoadInt32(&inner.requests))
}
