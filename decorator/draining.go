package decorator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/rserrors"
)

// DefaultDrainTimeout bounds how long a DrainingSocket waits for outstanding
// requests to finish before closing the inner socket anyway (§4.6).
const DefaultDrainTimeout = 30 * time.Second

// DrainingSocket defers Close until every outstanding request on the wrapped
// socket reaches its terminal state, or a timeout elapses — the generalized
// form of the teacher's idempotent, doneOnce-guarded session teardown,
// extended with an outstanding-request wait (§4.6).
type DrainingSocket struct {
	inner        Socket
	drainTimeout time.Duration

	mu          sync.Mutex
	outstanding int64
	draining    bool
	drainTimer  *time.Timer

	closeOnce sync.Once
	closeErr  error
}

// NewDrainingSocket wraps inner with a bounded graceful-close deferral.
func NewDrainingSocket(inner Socket, drainTimeout time.Duration) *DrainingSocket {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &DrainingSocket{inner: inner, drainTimeout: drainTimeout}
}

func (d *DrainingSocket) Request(ctx context.Context, p connection.Payload) (Stream, error) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil, rserrors.New(rserrors.KindRejected, errors.New("decorator: socket is draining"))
	}
	d.outstanding++
	d.mu.Unlock()

	st, err := d.inner.Request(ctx, p)
	if err != nil {
		d.mu.Lock()
		d.outstanding--
		d.mu.Unlock()
		return nil, err
	}

	go d.watch(st)
	return st, nil
}

func (d *DrainingSocket) watch(st Stream) {
	_, _ = st.Wait(context.Background())

	d.mu.Lock()
	d.outstanding--
	drained := d.draining && d.outstanding == 0
	d.mu.Unlock()

	if drained {
		d.finishClose()
	}
}

// Availability reports 0 while draining (§8 invariant "pending_close=true
// implies availability()=0"), else the inner socket's availability.
func (d *DrainingSocket) Availability() float64 {
	d.mu.Lock()
	draining := d.draining
	d.mu.Unlock()
	if draining {
		return 0
	}
	return d.inner.Availability()
}

// Close marks the socket as draining and returns immediately; the inner
// close happens once outstanding requests finish or DrainTimeout elapses,
// whichever comes first.
func (d *DrainingSocket) Close() error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	n := d.outstanding
	d.mu.Unlock()

	if n == 0 {
		return d.finishClose()
	}

	d.mu.Lock()
	d.drainTimer = time.AfterFunc(d.drainTimeout, func() { d.finishClose() })
	d.mu.Unlock()
	return nil
}

func (d *DrainingSocket) finishClose() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.drainTimer != nil {
			d.drainTimer.Stop()
		}
		d.mu.Unlock()
		d.closeErr = d.inner.Close()
	})
	return d.closeErr
}
