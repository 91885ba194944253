package decorator

import (
	"context"
	"math"
	"sync"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/rserrors"
	"github.com/sagernet/rsocket-go/stat"
)

// Default ReEnqueueFilter bounds (§6 "Configuration").
const (
	DefaultMaxReenqueue     = 3
	DefaultMaxReenqueueRate = 0.05
	reenqueueRateHalfLife   = 50 // samples, §4.8
)

// ReEnqueueFilter retries an idempotent request after a REJECTED, CANCELED,
// or connection-scoped terminal error, capped both by an absolute attempt
// count and by an adaptive rate so a systemic outage does not amplify into a
// retry storm (§4.8).
type ReEnqueueFilter struct {
	inner            Socket
	maxReenqueue     int
	maxReenqueueRate float64
	rate             *stat.SampleEwma
}

// NewReEnqueueFilter wraps inner with the default bounds if maxReenqueue or
// maxReenqueueRate are <= 0.
func NewReEnqueueFilter(inner Socket, maxReenqueue int, maxReenqueueRate float64) *ReEnqueueFilter {
	if maxReenqueue <= 0 {
		maxReenqueue = DefaultMaxReenqueue
	}
	if maxReenqueueRate <= 0 {
		maxReenqueueRate = DefaultMaxReenqueueRate
	}
	return &ReEnqueueFilter{
		inner:            inner,
		maxReenqueue:     maxReenqueue,
		maxReenqueueRate: maxReenqueueRate,
		rate:             stat.NewSampleEwma(reenqueueRateHalfLife, 0.0),
	}
}

func (r *ReEnqueueFilter) Request(ctx context.Context, p connection.Payload) (Stream, error) {
	first, err := r.inner.Request(ctx, p)
	if err != nil {
		return nil, err
	}
	rs := &reenqueueStream{filter: r, req: p, done: make(chan struct{})}
	rs.current = first
	go rs.monitor(ctx)
	return rs, nil
}

func (r *ReEnqueueFilter) Availability() float64 { return r.inner.Availability() }
func (r *ReEnqueueFilter) Close() error          { return r.inner.Close() }

// effectiveMax is min(max_reenqueue, max_reenqueue_rate / current_rate); a
// rate of exactly 0 yields +Inf, so the cap collapses to maxReenqueue alone.
func (r *ReEnqueueFilter) effectiveMax() float64 {
	rate := r.rate.Value()
	return math.Min(float64(r.maxReenqueue), r.maxReenqueueRate/rate)
}

// reenqueueStream is the proxy Stream handed back to callers: it rebinds to
// a freshly issued inner stream on every retry, so the caller's single
// Wait() call only ever observes the final outcome (§4.8, §9 "single
// terminal poll").
type reenqueueStream struct {
	filter *ReEnqueueFilter
	req    connection.Payload

	mu       sync.Mutex
	current  Stream
	attempts int

	done     chan struct{}
	doneOnce sync.Once
	result   connection.Result
}

func (rs *reenqueueStream) monitor(ctx context.Context) {
	for {
		rs.mu.Lock()
		cur := rs.current
		rs.mu.Unlock()

		res, err := cur.Wait(ctx)
		if err != nil {
			rs.finish(connection.Result{Err: err})
			return
		}

		if res.Err != nil && rserrors.IsRetryable(res.Err) {
			rs.mu.Lock()
			attempts := rs.attempts
			rs.mu.Unlock()

			if float64(attempts) < rs.filter.effectiveMax() {
				rs.filter.rate.Insert(1.0)
				next, reqErr := rs.filter.inner.Request(ctx, rs.req)
				if reqErr == nil {
					rs.mu.Lock()
					rs.attempts++
					rs.current = next
					rs.mu.Unlock()
					continue
				}
			}
			rs.finish(res)
			return
		}

		if res.Err == nil {
			rs.filter.rate.Insert(0.0)
		}
		rs.finish(res)
		return
	}
}

func (rs *reenqueueStream) finish(res connection.Result) {
	rs.doneOnce.Do(func() {
		rs.result = res
		close(rs.done)
	})
}

func (rs *reenqueueStream) Wait(ctx context.Context) (connection.Result, error) {
	select {
	case <-rs.done:
		return rs.result, nil
	case <-ctx.Done():
		return connection.Result{}, ctx.Err()
	}
}

func (rs *reenqueueStream) Cancel() {
	rs.mu.Lock()
	cur := rs.current
	rs.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}
