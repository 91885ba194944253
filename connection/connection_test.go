package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagernet/rsocket-go/metrics"
	"github.com/sagernet/rsocket-go/rserrors"
	"github.com/sagernet/rsocket-go/transport"
)

// recordingMetrics is a minimal metrics.Metrics fake recording the last
// label/value passed to LeaseBudget, so tests can assert SendLease reports
// through the injected sink rather than metrics.NoOp().
type recordingMetrics struct {
	name  string
	value float64
}

func (m *recordingMetrics) ConnectionsOpened() metrics.Counter        { return discardCounter{} }
func (m *recordingMetrics) ConnectionsClosed() metrics.Counter        { return discardCounter{} }
func (m *recordingMetrics) Outstanding(string) metrics.Gauge          { return discardGauge{} }
func (m *recordingMetrics) PredictedLatency(string) metrics.Histogram { return discardHistogram{} }
func (m *recordingMetrics) SocketEvictions() metrics.Counter          { return discardCounter{} }
func (m *recordingMetrics) Aperture() metrics.Gauge                   { return discardGauge{} }
func (m *recordingMetrics) EmptyLBErrors() metrics.Counter            { return discardCounter{} }

func (m *recordingMetrics) LeaseBudget(name string) metrics.Gauge {
	return recordingGauge{func(v float64) {
		m.name, m.value = name, v
	}}
}

type discardCounter struct{}

func (discardCounter) Inc()              {}
func (discardCounter) Add(delta float64) {}

type discardGauge struct{}

func (discardGauge) Set(float64) {}

type discardHistogram struct{}

func (discardHistogram) Observe(float64) {}

type recordingGauge struct{ set func(float64) }

func (g recordingGauge) Set(v float64) { g.set(v) }

func echoHandler(req Payload) (Payload, error) {
	return Payload{Data: append([]byte("echo:"), req.Data...), Metadata: req.Metadata}, nil
}

func newPair(t *testing.T, handler Handler) (*Connection, *Connection) {
	t.Helper()
	ct, st := transport.Pipe()

	serverOpts := DefaultOptions(RoleServer)
	serverOpts.Handler = handler
	srvCh := make(chan *Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		srv, err := New(st, serverOpts)
		if err != nil {
			errCh <- err
			return
		}
		srvCh <- srv
	}()

	clientOpts := DefaultOptions(RoleClient)
	cli, err := New(ct, clientOpts)
	require.NoError(t, err)

	select {
	case srv := <-srvCh:
		t.Cleanup(func() { _ = srv.Close() })
	case err := <-errCh:
		t.Fatalf("server setup failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server connection")
	}

	t.Cleanup(func() { _ = cli.Close() })
	return cli, nil
}

func TestRequestResponseRoundTrip(t *testing.T) {
	cli, _ := newPair(t, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cli.WaitReady(ctx))

	st, err := cli.Request(ctx, Payload{Data: []byte("hi")})
	require.NoError(t, err)

	res, err := st.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, []byte("echo:hi"), res.Payload.Data)
}

func TestRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	cli, _ := newPair(t, func(req Payload) (Payload, error) {
		<-block
		return Payload{}, nil
	})
	defer close(block)

	cli.opts.RequestTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cli.WaitReady(ctx))

	st, err := cli.Request(ctx, Payload{Data: []byte("slow")})
	require.NoError(t, err)

	res, err := st.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)

	var pe *rserrors.ProtoError
	require.ErrorAs(t, res.Err, &pe)
	require.Equal(t, rserrors.KindTimeout, pe.Kind)
}

func TestCancelStopsStream(t *testing.T) {
	block := make(chan struct{})
	cli, _ := newPair(t, func(req Payload) (Payload, error) {
		<-block
		return Payload{}, nil
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cli.WaitReady(ctx))

	st, err := cli.Request(ctx, Payload{Data: []byte("x")})
	require.NoError(t, err)
	st.Cancel()

	res, err := st.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)
}

func TestAvailabilityWithoutLease(t *testing.T) {
	cli, _ := newPair(t, echoHandler)
	require.Equal(t, 1.0, cli.Availability())
	require.NoError(t, cli.Close())
	require.Equal(t, 0.0, cli.Availability())
}

func TestServerSideLeaseGatesAvailability(t *testing.T) {
	ct, st := transport.Pipe()

	serverOpts := DefaultOptions(RoleServer)
	serverOpts.Handler = echoHandler
	srvCh := make(chan *Connection, 1)
	go func() {
		srv, err := New(st, serverOpts)
		require.NoError(t, err)
		srvCh <- srv
	}()

	clientOpts := DefaultOptions(RoleClient)
	clientOpts.Lease = true
	cli, err := New(ct, clientOpts)
	require.NoError(t, err)
	defer cli.Close()

	srv := <-srvCh
	defer srv.Close()

	// Before any LEASE frame arrives, a leased client reports unavailable.
	require.Equal(t, 0.0, cli.Availability())

	require.NoError(t, srv.SendLease(10, 100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cli.WaitReady(ctx))
	require.Equal(t, 1.0, cli.Availability())
}

func TestSendLeaseReportsLeaseBudgetMetric(t *testing.T) {
	ct, st := transport.Pipe()

	serverOpts := DefaultOptions(RoleServer)
	serverOpts.Handler = echoHandler
	serverOpts.Name = "server-a"
	srvCh := make(chan *Connection, 1)
	go func() {
		srv, err := New(st, serverOpts)
		require.NoError(t, err)
		srvCh <- srv
	}()

	cli, err := New(ct, DefaultOptions(RoleClient))
	require.NoError(t, err)
	defer cli.Close()

	srv := <-srvCh
	defer srv.Close()

	rec := &recordingMetrics{}
	srv.SetMetrics(rec)

	require.NoError(t, srv.SendLease(42, 100*time.Millisecond))
	require.Equal(t, "server-a", rec.name)
	require.Equal(t, 42.0, rec.value)
}
