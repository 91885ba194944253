// Package lb implements the weighted, aperture-tuned client-side load
// balancer (§4.9): a factory set is turned into a connected socket pool
// whose size tracks demand, selected from via power-of-three-choices over a
// latency/availability load function, with periodic recycling of the
// slowest member and eviction of failing factories. Modeled on the
// teacher's streamClosed/map-splice bookkeeping, generalized from one
// session's stream table to a pool of decorated sockets.
package lb

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/decorator"
	"github.com/sagernet/rsocket-go/metrics"
	"github.com/sagernet/rsocket-go/rserrors"
)

type socketEntry struct {
	id       string
	factory  Factory
	draining *decorator.DrainingSocket
	weighted *decorator.WeightedSocket
}

func (se *socketEntry) load() float64 {
	avail := se.weighted.Availability()
	pred := se.weighted.PredictedLatency()
	outstanding := float64(se.weighted.Outstanding())
	return avail / (1 + pred*(outstanding+1))
}

// LoadBalancer multiplexes requests across a dynamically sized, aperture-
// bounded subset of Factory-built sockets (§3 "LoadBalancer state", §4.9).
type LoadBalancer struct {
	opts Options
	log  *logrus.Entry
	metr metrics.Metrics

	mu          sync.Mutex
	factories   []Factory
	sockets     []*socketEntry
	target      int
	pending     int
	outstanding int64
	closed      bool

	apertureLimiter *rate.Limiter

	die     chan struct{}
	dieOnce sync.Once
}

// New constructs a LoadBalancer seeded with factories, starting its
// aperture/recycle bookkeeping immediately.
func New(factories []Factory, opts Options) *LoadBalancer {
	if opts.MinAperture <= 0 {
		opts.MinAperture = DefaultOptions().MinAperture
	}
	if opts.MaxAperture <= 0 {
		opts.MaxAperture = DefaultOptions().MaxAperture
	}
	if opts.InitialAperture <= 0 {
		opts.InitialAperture = DefaultOptions().InitialAperture
	}
	if opts.RefreshPeriod <= 0 {
		opts.RefreshPeriod = DefaultOptions().RefreshPeriod
	}
	if opts.ApertureRefreshPeriod <= 0 {
		opts.ApertureRefreshPeriod = DefaultOptions().ApertureRefreshPeriod
	}
	if opts.InactivityPeriod <= 0 {
		opts.InactivityPeriod = DefaultOptions().InactivityPeriod
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultOptions().DrainTimeout
	}

	lb := &LoadBalancer{
		opts:            opts,
		log:             logrus.WithField("component", "lb"),
		metr:            metrics.NoOp(),
		factories:       append([]Factory(nil), factories...),
		target:          opts.InitialAperture,
		apertureLimiter: rate.NewLimiter(rate.Every(opts.ApertureRefreshPeriod), 1),
		die:             make(chan struct{}),
	}

	go lb.recycleLoop()
	lb.refreshSockets()
	return lb
}

// SetMetrics installs a Metrics sink.
func (lb *LoadBalancer) SetMetrics(m metrics.Metrics) { lb.metr = m }

// AddFactory admits a new endpoint to the factory pool (§4.9 "Factory add").
func (lb *LoadBalancer) AddFactory(f Factory) {
	lb.mu.Lock()
	lb.factories = append(lb.factories, f)
	lb.mu.Unlock()
	lb.refreshSockets()
}

// RemoveFactory drops f and every socket it spawned (§4.9 "Factory remove").
func (lb *LoadBalancer) RemoveFactory(f Factory) {
	lb.mu.Lock()
	for i, ff := range lb.factories {
		if ff == f {
			lb.factories = append(lb.factories[:i], lb.factories[i+1:]...)
			break
		}
	}
	var doomed []*socketEntry
	for _, se := range lb.sockets {
		if se.factory == f {
			doomed = append(doomed, se)
		}
	}
	lb.mu.Unlock()

	for _, se := range doomed {
		lb.spliceSocket(se)
		go func(se *socketEntry) { _ = se.draining.Close() }(se)
	}
}

// Request selects a socket via P3C and forwards the request, returning a
// pre-failed stream carrying EMPTY_LB when no socket is usable (§4.9
// "request(req)").
func (lb *LoadBalancer) Request(ctx context.Context, p connection.Payload) (decorator.Stream, error) {
	lb.refreshSockets()

	se := lb.selectSocket()
	if se == nil {
		lb.metr.EmptyLBErrors().Inc()
		return failingStream(rserrors.ErrEmptyLB), nil
	}

	lb.mu.Lock()
	lb.outstanding++
	lb.mu.Unlock()

	st, err := se.weighted.Request(ctx, p)
	if err != nil {
		lb.mu.Lock()
		lb.outstanding--
		lb.mu.Unlock()
		return nil, err
	}

	go func() {
		_, _ = st.Wait(context.Background())
		lb.mu.Lock()
		lb.outstanding--
		lb.mu.Unlock()
	}()

	return st, nil
}

// Availability is the arithmetic mean of member socket availabilities, or 0
// when closed or empty (§6 "Load balancer public operations").
func (lb *LoadBalancer) Availability() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed || len(lb.sockets) == 0 {
		return 0
	}
	var sum float64
	for _, se := range lb.sockets {
		sum += se.weighted.Availability()
	}
	return sum / float64(len(lb.sockets))
}

// Aperture returns the current target aperture, for metrics/introspection.
func (lb *LoadBalancer) Aperture() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.target
}

// Close tears the balancer down: cancels the recycle timer and closes every
// member socket (§4.9 "Shutdown").
func (lb *LoadBalancer) Close() error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return nil
	}
	lb.closed = true
	sockets := lb.sockets
	lb.sockets = nil
	lb.mu.Unlock()

	lb.dieOnce.Do(func() { close(lb.die) })

	var wg sync.WaitGroup
	for _, se := range sockets {
		wg.Add(1)
		go func(se *socketEntry) {
			defer wg.Done()
			_ = se.draining.Close()
		}(se)
	}
	wg.Wait()
	return nil
}

func (lb *LoadBalancer) selectSocket() *socketEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := len(lb.sockets)
	if n == 0 {
		return nil
	}
	idx := p3cSelect(n,
		func(i int) float64 { return lb.sockets[i].load() },
		func(i int) bool { return lb.sockets[i].weighted.Availability() > 0 },
	)
	if idx < 0 {
		return nil
	}
	return lb.sockets[idx]
}

// refreshSockets updates the aperture target, then opens or evicts a single
// socket to move the pool size toward it (§4.9 "refreshSockets").
func (lb *LoadBalancer) refreshSockets() {
	lb.updateAperture()

	lb.mu.Lock()
	n := len(lb.sockets) + lb.pending
	target := lb.target
	closed := lb.closed
	lb.mu.Unlock()

	if closed {
		return
	}
	if n < target {
		lb.openSocket()
	} else if n > target {
		lb.evictSlowest()
	}
}

// updateAperture nudges the target aperture toward the observed demand,
// rate-limited to at most once per ApertureRefreshPeriod (§4.9
// "updateAperture").
func (lb *LoadBalancer) updateAperture() {
	if !lb.apertureLimiter.Allow() {
		return
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.sockets) == 0 {
		return
	}
	avgOutstanding := float64(lb.outstanding) / float64(len(lb.sockets))
	if avgOutstanding < 1.5 && lb.target > lb.opts.MinAperture {
		lb.target--
	} else if avgOutstanding > 2.5 && lb.target < lb.opts.MaxAperture {
		lb.target++
	}
	lb.metr.Aperture().Set(float64(lb.target))
}

func (lb *LoadBalancer) selectFactory() Factory {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := len(lb.factories)
	if n == 0 {
		return nil
	}
	idx := p3cSelect(n,
		func(i int) float64 { return lb.factories[i].Availability() },
		func(i int) bool { return lb.factories[i].Availability() > 0 },
	)
	if idx < 0 {
		return nil
	}
	f := lb.factories[idx]
	lb.factories = append(lb.factories[:idx], lb.factories[idx+1:]...)
	return f
}

// openSocket builds one new socket asynchronously and wraps it Draining ->
// Weighted (§4.9 "Socket construction").
func (lb *LoadBalancer) openSocket() {
	f := lb.selectFactory()
	if f == nil {
		return
	}

	lb.mu.Lock()
	lb.pending++
	lb.mu.Unlock()

	go func() {
		sock, err := f.Build(context.Background())

		lb.mu.Lock()
		lb.pending--
		if err != nil {
			lb.factories = append(lb.factories, f)
			lb.mu.Unlock()
			lb.log.WithError(err).WithField("factory", f.Name()).Warn("lb: socket build failed")
			return
		}

		draining := decorator.NewDrainingSocket(sock, lb.opts.DrainTimeout)
		weighted := decorator.NewWeightedSocket(draining, 0, lb.opts.InactivityPeriod)
		id := xid.New().String()
		weighted.SetMetrics(id, lb.metr)
		se := &socketEntry{id: id, factory: f, draining: draining, weighted: weighted}
		lb.sockets = append(lb.sockets, se)
		closedNow := lb.closed
		lb.mu.Unlock()

		lb.log.WithField("factory", f.Name()).WithField("socket", se.id).Debug("lb: socket ready")
		if closedNow {
			_ = draining.Close()
			return
		}
		lb.refreshSockets()
	}()
}

// evictSlowest removes the socket with the highest predicted latency, via
// the same P3C sampling used for selection (§4.9 "Periodic recycle").
func (lb *LoadBalancer) evictSlowest() {
	lb.mu.Lock()
	n := len(lb.sockets)
	if n == 0 {
		lb.mu.Unlock()
		return
	}
	idx := p3cSelect(n,
		func(i int) float64 { return lb.sockets[i].weighted.PredictedLatency() },
		func(i int) bool { return true },
	)
	var se *socketEntry
	if idx >= 0 {
		se = lb.sockets[idx]
	}
	lb.mu.Unlock()

	if se != nil {
		lb.removeSocket(se)
	}
}

// removeSocket splices se out of the pool, returns its factory to the pool,
// and closes it asynchronously (§4.9 "Socket removal").
func (lb *LoadBalancer) removeSocket(se *socketEntry) {
	lb.mu.Lock()
	lb.spliceSocketLocked(se)
	lb.factories = append(lb.factories, se.factory)
	closed := lb.closed
	lb.mu.Unlock()

	lb.metr.SocketEvictions().Inc()
	go func() { _ = se.draining.Close() }()

	if !closed {
		lb.refreshSockets()
	}
}

// spliceSocket removes se from the pool without returning its factory, for
// the permanent "Factory remove" path (§4.9) — the socket's factory was
// explicitly evicted by the caller and must not be recycled back in.
func (lb *LoadBalancer) spliceSocket(se *socketEntry) {
	lb.mu.Lock()
	lb.spliceSocketLocked(se)
	lb.mu.Unlock()
}

func (lb *LoadBalancer) spliceSocketLocked(se *socketEntry) {
	for i, s := range lb.sockets {
		if s == se {
			lb.sockets = append(lb.sockets[:i], lb.sockets[i+1:]...)
			return
		}
	}
}

func (lb *LoadBalancer) recycleLoop() {
	ticker := time.NewTicker(lb.opts.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lb.mu.Lock()
			closed := lb.closed
			hasSockets := len(lb.sockets) > 0
			hasFactories := len(lb.factories) > 0
			lb.mu.Unlock()
			if !closed && hasSockets && hasFactories {
				lb.evictSlowest()
			}
		case <-lb.die:
			return
		}
	}
}

// failedStream is an already-terminated Stream carrying a single error,
// used for the "selection failure" EMPTY_LB case (§4.9 "request(req)").
type failedStream struct{ err error }

func failingStream(err error) decorator.Stream { return &failedStream{err: err} }

func (f *failedStream) Wait(ctx context.Context) (connection.Result, error) {
	return connection.Result{Err: f.err}, nil
}

func (f *failedStream) Cancel() {}
