// Package config collects the functional-option constructors for
// connection.Options, lb.Options, and tcplb.Options, plus a YAML loader for
// the discovered-host list consumed by tcplb.TcpLoadBalancer.UpdateHosts.
//
// The option pattern (Option func(*T) mutating a defaulted struct) follows
// bearlytools-claw's rpc/client Conn options (WithPingInterval,
// WithMaxPayloadSize, ...); the YAML loader follows n-backup's
// internal/config Load*Config functions (os.ReadFile + yaml.Unmarshal +
// struct-tagged fields).
package config

import (
	"time"

	"github.com/sagernet/rsocket-go/connection"
	"github.com/sagernet/rsocket-go/lb"
	"github.com/sagernet/rsocket-go/tcplb"
)

// ConnectionOption configures a connection.Options value built by
// NewConnectionOptions.
type ConnectionOption func(*connection.Options)

// WithKeepaliveInterval overrides the keepalive ticker period.
func WithKeepaliveInterval(d time.Duration) ConnectionOption {
	return func(o *connection.Options) { o.KeepaliveInterval = d }
}

// WithMaxLifetime overrides the keepalive-missed-ack connection lifetime.
func WithMaxLifetime(d time.Duration) ConnectionOption {
	return func(o *connection.Options) { o.MaxLifetime = d }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) ConnectionOption {
	return func(o *connection.Options) { o.RequestTimeout = d }
}

// WithLease enables client-side lease-gated availability.
func WithLease(enabled bool) ConnectionOption {
	return func(o *connection.Options) { o.Lease = enabled }
}

// WithStrict sets the STRICT flag on the client's SETUP frame.
func WithStrict(enabled bool) ConnectionOption {
	return func(o *connection.Options) { o.Strict = enabled }
}

// WithEncoding overrides the advertised metadata/data MIME types.
func WithEncoding(metadata, data string) ConnectionOption {
	return func(o *connection.Options) {
		o.MetadataEncoding = metadata
		o.DataEncoding = data
	}
}

// WithSetupPayload overrides the SETUP frame's metadata/data.
func WithSetupPayload(metadata, data []byte) ConnectionOption {
	return func(o *connection.Options) {
		o.SetupMetadata = metadata
		o.SetupData = data
	}
}

// WithHandler installs the inbound request handler for a server-role
// Connection.
func WithHandler(h connection.Handler) ConnectionOption {
	return func(o *connection.Options) { o.Handler = h }
}

// WithDrainTimeout sets connection.Options.DrainTimeout (see that field: no
// component of this module reads it; WithLBDrainTimeout sets the value the
// load balancer's draining sockets use).
func WithDrainTimeout(d time.Duration) ConnectionOption {
	return func(o *connection.Options) { o.DrainTimeout = d }
}

// NewConnectionOptions builds connection.Options from the documented
// defaults for role, then applies opts in order.
func NewConnectionOptions(role connection.Role, opts ...ConnectionOption) connection.Options {
	o := connection.DefaultOptions(role)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LoadBalancerOption configures an lb.Options value built by
// NewLoadBalancerOptions.
type LoadBalancerOption func(*lb.Options)

// WithAperture overrides the initial/min/max aperture sizing.
func WithAperture(initial, min, max int) LoadBalancerOption {
	return func(o *lb.Options) {
		o.InitialAperture = initial
		o.MinAperture = min
		o.MaxAperture = max
	}
}

// WithInactivityPeriod overrides WeightedSocket's idle-decay threshold.
func WithInactivityPeriod(d time.Duration) LoadBalancerOption {
	return func(o *lb.Options) { o.InactivityPeriod = d }
}

// WithRefreshPeriod overrides the periodic-recycle interval.
func WithRefreshPeriod(d time.Duration) LoadBalancerOption {
	return func(o *lb.Options) { o.RefreshPeriod = d }
}

// WithApertureRefreshPeriod overrides the aperture-retune rate limit.
func WithApertureRefreshPeriod(d time.Duration) LoadBalancerOption {
	return func(o *lb.Options) { o.ApertureRefreshPeriod = d }
}

// WithLBDrainTimeout overrides each member socket's drain grace period.
func WithLBDrainTimeout(d time.Duration) LoadBalancerOption {
	return func(o *lb.Options) { o.DrainTimeout = d }
}

// NewLoadBalancerOptions builds lb.Options from lb.DefaultOptions, then
// applies opts in order.
func NewLoadBalancerOptions(opts ...LoadBalancerOption) lb.Options {
	o := lb.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TcpLoadBalancerOption configures a tcplb.Options value built by
// NewTcpLoadBalancerOptions.
type TcpLoadBalancerOption func(*tcplb.Options)

// WithPoolSize overrides the target connecting+connected count.
func WithPoolSize(size int) TcpLoadBalancerOption {
	return func(o *tcplb.Options) { o.Size = size }
}

// WithDialTimeout overrides the per-dial deadline.
func WithDialTimeout(d time.Duration) TcpLoadBalancerOption {
	return func(o *tcplb.Options) { o.DialTimeout = d }
}

// WithWatchInterval overrides the connected-entry liveness poll period.
func WithWatchInterval(d time.Duration) TcpLoadBalancerOption {
	return func(o *tcplb.Options) { o.WatchInterval = d }
}

// WithStrategy overrides the connection-selection strategy.
func WithStrategy(s tcplb.Strategy) TcpLoadBalancerOption {
	return func(o *tcplb.Options) { o.Strategy = s }
}

// NewTcpLoadBalancerOptions builds tcplb.Options from tcplb.DefaultOptions,
// then applies opts in order.
func NewTcpLoadBalancerOptions(opts ...TcpLoadBalancerOption) tcplb.Options {
	o := tcplb.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
