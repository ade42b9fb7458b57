package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"baseline/api/internal/events"
)

const prefix = "baseline_"

// Metrics holds the workflow and HTTP collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions     *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	expired         prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers the collectors on registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &Metrics{
		gatherer: registry,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "transitions_total",
			Help: "Field workflow transitions by kind",
		}, []string{"kind"}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "pending_requests",
			Help: "Change requests currently awaiting a decision",
		}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "requests_expired_total",
			Help: "Pending change requests rejected by the expirer",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// SetPending seeds the pending gauge, normally from the store at startup.
func (m *Metrics) SetPending(n int) {
	m.pendingRequests.Set(float64(n))
}

// RequestsExpired counts n requests rejected by the expirer. It is meant to
// be registered with baseline.Expirer.OnExpired.
func (m *Metrics) RequestsExpired(n int) {
	m.expired.Add(float64(n))
}

// Attach counts transitions from workflow events.
func (m *Metrics) Attach(bus *events.Bus) {
	bus.SubscribeFunc(events.FieldApplied, func(evt events.Event) {
		m.transitions.WithLabelValues("applied").Inc()
	})
	bus.SubscribeFunc(events.RequestCreated, func(evt events.Event) {
		m.transitions.WithLabelValues("requested").Inc()
		m.pendingRequests.Inc()
	})
	bus.SubscribeFunc(events.RequestDecided, func(evt events.Event) {
		data, ok := evt.Data.(events.RequestDecidedEvent)
		if !ok {
			return
		}
		m.pendingRequests.Dec()
		m.transitions.WithLabelValues(kindForStatus(data.Request.Status)).Inc()
	})
	bus.SubscribeFunc(events.BaselineToggled, func(evt events.Event) {
		m.transitions.WithLabelValues("toggled").Inc()
	})
	bus.SubscribeFunc(events.ProjectBaselined, func(evt events.Event) {
		m.transitions.WithLabelValues("baselined").Inc()
	})
}

func kindForStatus(status string) string {
	switch status {
	case "APPROVED":
		return "approved"
	case "REJECTED":
		return "rejected"
	default:
		return "decided"
	}
}

// ObserveHTTP records one finished request. route is the matched pattern,
// never the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
