// Package metrics exports client activity as Prometheus metrics.
//
// A Collector implements the observer hooks of the dispatcher, the stream
// transports and the session manager:
//
//	nakula_rest_attempts_total{method,path,outcome}
//	nakula_rest_attempt_duration_seconds{method,path}
//	nakula_stream_state{endpoint}
//	nakula_stream_reconnects_total{endpoint,result}
//	nakula_stream_dropped_events_total{endpoint,channel}
//	nakula_session_renewals_total{result}
//	nakula_session_expiries_total
//	nakula_session_rotations_total
//	nakula_ratelimit_used_weight
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nakula/internal/ratelimit"
	"nakula/pkg/dispatch"
	"nakula/pkg/stream"
)

const namespace = "nakula"

// Collector holds the client metrics. Register it once per registry.
type Collector struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	streamState   *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	droppedEvents *prometheus.CounterVec

	renewals  *prometheus.CounterVec
	expiries  prometheus.Counter
	rotations prometheus.Counter

	registerer prometheus.Registerer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "attempts_total",
				Help:      "REST request attempts by outcome.",
			},
			[]string{"method", "path", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "attempt_duration_seconds",
				Help:      "REST attempt duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		streamState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "state",
				Help:      "Connection state of a stream endpoint: 0 disconnected, 1 connecting, 2 connected, 3 degraded, 4 reconnecting, 5 closed.",
			},
			[]string{"endpoint"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts by result.",
			},
			[]string{"endpoint", "result"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "dropped_events_total",
				Help:      "Events dropped because a subscriber buffer was full.",
			},
			[]string{"endpoint", "channel"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "renewals_total",
				Help:      "Listen key keepalive calls by result.",
			},
			[]string{"result"},
		),
		expiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "expiries_total",
			Help:      "Listen keys lost.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rotations_total",
			Help:      "Replacement listen keys acquired.",
		}),
		registerer: reg,
	}

	for _, m := range []prometheus.Collector{
		c.attempts, c.attemptDuration,
		c.streamState, c.reconnects, c.droppedEvents,
		c.renewals, c.expiries, c.rotations,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WatchLimiter exports the used weight last reported by the server.
func (c *Collector) WatchLimiter(l *ratelimit.RateLimiter) error {
	if l == nil {
		return nil
	}
	return c.registerer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "used_weight",
			Help:      "Request weight used in the current minute, as reported by the exchange.",
		},
		func() float64 { return float64(l.Metrics().ServerWeight) },
	))
}

// ObserveAttempt implements dispatch.Observer.
func (c *Collector) ObserveAttempt(a dispatch.Attempt) {
	c.attempts.WithLabelValues(a.Method, a.Path, a.Outcome).Inc()
	c.attemptDuration.WithLabelValues(a.Method, a.Path).Observe(a.Duration.Seconds())
}

// ObserveState implements stream.Observer.
func (c *Collector) ObserveState(endpoint string, _, to stream.ConnState) {
	c.streamState.WithLabelValues(endpoint).Set(float64(to))
}

// ObserveReconnect implements stream.Observer.
func (c *Collector) ObserveReconnect(endpoint string, _ int, err error) {
	c.reconnects.WithLabelValues(endpoint, result(err)).Inc()
}

// ObserveDrop implements stream.Observer.
func (c *Collector) ObserveDrop(endpoint, channel string) {
	c.droppedEvents.WithLabelValues(endpoint, channel).Inc()
}

// ObserveRenewal implements session.Observer.
func (c *Collector) ObserveRenewal(err error) {
	c.renewals.WithLabelValues(result(err)).Inc()
}

// ObserveExpiry implements session.Observer.
func (c *Collector) ObserveExpiry() { c.expiries.Inc() }

// ObserveRotation implements session.Observer.
func (c *Collector) ObserveRotation() { c.rotations.Inc() }

// Handler serves the metrics gathered by g, or the default gatherer when
// g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
