package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prom is a Metrics implementation backed by real Prometheus collectors,
// generalized from the exporter's Describe/Collect custom-collector
// pattern (grounded on runZeroInc-sockstats/pkg/exporter/exporter.go) to
// the connection/load-balancer metrics this runtime needs instead of
// per-fd TCP_INFO gauges.
type Prom struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	leaseBudget       *prometheus.GaugeVec
	outstanding       *prometheus.GaugeVec
	predictedLatency  *prometheus.HistogramVec
	socketEvictions   prometheus.Counter
	aperture          prometheus.Gauge
	emptyLBErrors     prometheus.Counter
}

// NewProm creates and registers the rsocket collector family against reg.
// Pass a fresh *prometheus.Registry in tests to avoid collisions with
// process-global state.
func NewProm(reg prometheus.Registerer, namespace string) *Prom {
	p := &Prom{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_opened_total",
			Help: "Total connections created.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total",
			Help: "Total connections torn down.",
		}),
		leaseBudget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "lease_budget",
			Help: "Remaining lease budget per connection factory.",
		}, []string{"factory"}),
		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "socket_outstanding",
			Help: "In-flight request count per weighted socket.",
		}, []string{"socket"}),
		predictedLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "socket_predicted_latency_us",
			Help:    "Predicted latency per weighted socket, in microseconds.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 14),
		}, []string{"socket"}),
		socketEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "socket_evictions_total",
			Help: "Total sockets evicted by the load balancer.",
		}),
		aperture: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "aperture_target",
			Help: "Current target aperture size.",
		}),
		emptyLBErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "empty_lb_errors_total",
			Help: "Total requests rejected with EMPTY_LB.",
		}),
	}

	reg.MustRegister(
		p.connectionsOpened, p.connectionsClosed, p.leaseBudget,
		p.outstanding, p.predictedLatency, p.socketEvictions,
		p.aperture, p.emptyLBErrors,
	)
	return p
}

func (p *Prom) ConnectionsOpened() Counter { return counterAdapter{p.connectionsOpened} }
func (p *Prom) ConnectionsClosed() Counter { return counterAdapter{p.connectionsClosed} }
func (p *Prom) LeaseBudget(factoryName string) Gauge {
	return gaugeAdapter{p.leaseBudget.WithLabelValues(factoryName)}
}
func (p *Prom) Outstanding(socketID string) Gauge {
	return gaugeAdapter{p.outstanding.WithLabelValues(socketID)}
}
func (p *Prom) PredictedLatency(socketID string) Histogram {
	return histogramAdapter{p.predictedLatency.WithLabelValues(socketID)}
}
func (p *Prom) SocketEvictions() Counter { return counterAdapter{p.socketEvictions} }
func (p *Prom) Aperture() Gauge          { return gaugeAdapter{p.aperture} }
func (p *Prom) EmptyLBErrors() Counter   { return counterAdapter{p.emptyLBErrors} }

type counterAdapter struct{ c prometheus.Counter }

func (a counterAdapter) Inc()            { a.c.Inc() }
func (a counterAdapter) Add(delta float64) { a.c.Add(delta) }

type gaugeAdapter struct{ g prometheus.Gauge }

func (a gaugeAdapter) Set(v float64) { a.g.Set(v) }

type histogramAdapter struct{ h prometheus.Observer }

func (a histogramAdapter) Observe(v float64) { a.h.Observe(v) }
