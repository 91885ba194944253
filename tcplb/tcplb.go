// Package tcplb implements the fixed-size TCP connection pool of §4.10: a
// simpler sibling of lb.LoadBalancer that dials directly against a flat host
// list instead of a Factory set, with no decorator chain (no draining,
// weighting, or failure accrual) and a plain P²C-on-availability selection.
//
// Hosts are tracked across three disjoint sets keyed by "host:port" — free
// (known but not dialed), connecting (dial in flight), connected (live) —
// mirroring the mutex-guarded map-of-live-entries discipline of
// runZeroInc-sockstats's TCPInfoCollector, generalized from one map to three.
// Where that collector discovers a dead entry during Collect and deletes it
// inline, tcplb has no polling Collect call of its own to piggyback on, so a
// background watcher goroutine per connected entry stands in for it.
package tcplb

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/transport"
)

// Host identifies a dial target.
type Host struct {
	Host string
	Port string
}

func (h Host) key() string { return h.Host + ":" + h.Port }

// Dialer opens a Connection against a single host:port endpoint.
type Dialer func(ctx context.Context, h Host) (*connection.Connection, error)

// Strategy picks one of candidates (host:port keys) given an availability
// lookup. The zero value selects p2cHost (P²C on availability, falling back
// to uniform random under two candidates).
type Strategy func(candidates []string, availability func(string) float64) string

// Options configures a TcpLoadBalancer.
type Options struct {
	// Size is the target number of simultaneously connecting+connected hosts.
	Size int

	DialTimeout time.Duration

	// WatchInterval is how often a connected entry's liveness is polled via
	// Connection.IsClosed (§9 "event-driven -> explicit state" substitution:
	// the library exposes no close-event channel to select on).
	WatchInterval time.Duration

	Strategy Strategy
}

// DefaultOptions returns the §4.10 defaults.
func DefaultOptions() Options {
	return Options{
		Size:          4,
		DialTimeout:   5 * time.Second,
		WatchInterval: 200 * time.Millisecond,
	}
}

// TcpLoadBalancer maintains a pool of up to Size live connections over a
// discovered host list, redialing as hosts come and go (§4.10).
type TcpLoadBalancer struct {
	dial Dialer
	opts Options
	log  *logrus.Entry

	mu         sync.Mutex
	hostSet    map[string]Host
	free       map[string]Host
	connecting map[string]Host
	connected  map[string]*connection.Connection
	closed     bool
	closeCh    chan struct{}
	closeOnce  sync.Once
}

// New seeds the pool from hosts and dials min(Size, len(hosts)) candidates
// chosen uniformly at random from the free set.
func New(hosts []Host, dial Dialer, opts Options) *TcpLoadBalancer {
	if opts.Size <= 0 {
		opts.Size = DefaultOptions().Size
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions().DialTimeout
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = DefaultOptions().WatchInterval
	}

	t := &TcpLoadBalancer{
		dial:       dial,
		opts:       opts,
		log:        logrus.WithField("component", "tcplb"),
		hostSet:    make(map[string]Host),
		free:       make(map[string]Host),
		connecting: make(map[string]Host),
		connected:  make(map[string]*connection.Connection),
		closeCh:    make(chan struct{}),
	}

	t.mu.Lock()
	for _, h := range hosts {
		t.hostSet[h.key()] = h
		t.free[h.key()] = h
	}
	t.mu.Unlock()

	t.fillLocked0()
	return t
}

// fillLocked0 dials candidates from free until connecting+connected reaches
// Size (or free is exhausted). Takes the lock itself.
func (t *TcpLoadBalancer) fillLocked0() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fillLocked()
}

// fillLocked must be called with t.mu held.
func (t *TcpLoadBalancer) fillLocked() {
	if t.closed {
		return
	}
	active := len(t.connecting) + len(t.connected)
	deficit := t.opts.Size - active
	if deficit <= 0 || len(t.free) == 0 {
		return
	}

	keys := make([]string, 0, len(t.free))
	for k := range t.free {
		keys = append(keys, k)
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	if deficit > len(keys) {
		deficit = len(keys)
	}
	for _, k := range keys[:deficit] {
		h := t.free[k]
		delete(t.free, k)
		t.connecting[k] = h
		go t.dialOne(h)
	}
}

func (t *TcpLoadBalancer) dialOne(h Host) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	defer cancel()

	conn, err := t.dial(ctx, h)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connecting, h.key())

	if t.closed {
		if err == nil {
			go conn.Close()
		}
		return
	}
	if err != nil {
		t.log.WithError(err).WithField("host", h.key()).Debug("dial failed")
		if _, known := t.hostSet[h.key()]; known {
			t.free[h.key()] = h
		}
		t.fillLocked()
		return
	}
	if _, known := t.hostSet[h.key()]; !known {
		// the host was removed by UpdateHosts while this dial was in flight.
		go conn.Close()
		t.fillLocked()
		return
	}

	t.connected[h.key()] = conn
	t.log.WithField("host", h.key()).Debug("connected")
	go t.watch(h, conn)
}

// watch polls conn for closure (no close-event channel exists on
// *connection.Connection) and reacts exactly as §4.10 describes: drop from
// the active sets, return the host to free if it is still in the discovered
// host list, then try to backfill the pool.
func (t *TcpLoadBalancer) watch(h Host, conn *connection.Connection) {
	ticker := time.NewTicker(t.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if conn.IsClosed() {
				t.onConnectionClosed(h)
				return
			}
		case <-t.closeCh:
			return
		}
	}
}

func (t *TcpLoadBalancer) onConnectionClosed(h Host) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected[h.key()] != nil {
		delete(t.connected, h.key())
	}
	if t.closed {
		return
	}
	if _, known := t.hostSet[h.key()]; known {
		t.free[h.key()] = h
	}
	t.fillLocked()
}

// UpdateHosts replaces the discovered host list: hosts no longer present are
// dropped from free and have any active connection closed; hosts newly
// present are added to free. The pool is then backfilled up to Size.
func (t *TcpLoadBalancer) UpdateHosts(hosts []Host) {
	next := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		next[h.key()] = h
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var toClose []*connection.Connection
	for k := range t.hostSet {
		if _, ok := next[k]; ok {
			continue
		}
		delete(t.hostSet, k)
		delete(t.free, k)
		if conn, ok := t.connected[k]; ok {
			toClose = append(toClose, conn)
		}
	}
	for k, h := range next {
		if _, known := t.hostSet[k]; known {
			continue
		}
		t.hostSet[k] = h
		if _, connecting := t.connecting[k]; connecting {
			continue
		}
		if _, connected := t.connected[k]; connected {
			continue
		}
		t.free[k] = h
	}
	t.fillLocked()
	t.mu.Unlock()

	for _, conn := range toClose {
		go conn.Close()
	}
}

// GetConnection selects a live connection via Strategy (default: P²C on
// availability, falling back to uniform random under two candidates). Returns
// nil if the pool has no connected entries.
func (t *TcpLoadBalancer) GetConnection() *connection.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.connected) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.connected))
	for k := range t.connected {
		keys = append(keys, k)
	}
	availability := func(k string) float64 {
		conn := t.connected[k]
		if conn == nil {
			return 0
		}
		return conn.Availability()
	}

	strategy := t.opts.Strategy
	if strategy == nil {
		strategy = p2cHost
	}
	return t.connected[strategy(keys, availability)]
}

// Size reports how many connections are currently connected.
func (t *TcpLoadBalancer) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connected)
}

// Close tears down every connecting/connected entry and stops all watchers
// (§4.10 "close semantics"). In-flight dials that complete after Close sees
// their connection closed immediately rather than added to the pool.
func (t *TcpLoadBalancer) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conns := make([]*connection.Connection, 0, len(t.connected))
		for _, c := range t.connected {
			conns = append(conns, c)
		}
		t.connected = make(map[string]*connection.Connection)
		close(t.closeCh)
		t.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range conns {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = c.Close()
			}()
		}
		wg.Wait()
	})
	return nil
}

// TCPDialer returns a Dialer that opens a real TCP connection via
// transport.Dial and wraps it in a Connection configured by connOpts. Use
// this for New's dial argument outside of tests.
func TCPDialer(dialTimeout time.Duration, connOpts connection.Options) Dialer {
	return func(ctx context.Context, h Host) (*connection.Connection, error) {
		t, err := transport.Dial(h.key(), dialTimeout)
		if err != nil {
			return nil, err
		}
		conn, err := connection.New(t, connOpts)
		if err != nil {
			return nil, err
		}
		if err := conn.WaitReady(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// p2cHost is the default Strategy: power-of-two-choices on availability,
// falling back to the lone candidate. On an exact availability tie the
// first of the two sampled candidates wins, which is itself a uniformly
// random choice.
func p2cHost(candidates []string, availability func(string) float64) string {
	n := len(candidates)
	if n == 0 {
		return ""
	}
	if n == 1 {
		return candidates[0]
	}
	i := rand.Intn(n)
	j := i
	for j == i {
		j = rand.Intn(n)
	}
	if availability(candidates[i]) >= availability(candidates[j]) {
		return candidates[i]
	}
	return candidates[j]
}
