package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
// Helper methods are safe to call on a nil receiver.
type Metrics struct {
	GatewayRequests      *prometheus.CounterVec
	GatewayLatency       *prometheus.HistogramVec
	ChainRequests        *prometheus.CounterVec
	ChainLatency         *prometheus.HistogramVec
	Transitions          *prometheus.CounterVec
	ChainSubmissions     *prometheus.CounterVec
	WatcherPolls         *prometheus.CounterVec
	DepositsMatched      prometheus.Counter
	ReconFindings        *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	Errors               *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total payment gateway API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Latency distribution for payment gateway API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			ChainRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_requests_total",
				Help:      "Total chain RPC requests by method and status.",
			}, []string{"method", "status"}),
			ChainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chain_request_duration_seconds",
				Help:      "Latency distribution for chain RPC requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "status"}),
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total persisted status transitions by record kind.",
			}, []string{"kind", "from", "to"}),
			ChainSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_submission_attempts_total",
				Help:      "Chain submission loop attempts by kind and result.",
			}, []string{"kind", "result"}),
			WatcherPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposit_watcher_polls_total",
				Help:      "Deposit watcher poll cycles by result.",
			}, []string{"result"}),
			DepositsMatched: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_matched_total",
				Help:      "On-chain deposits matched to off-ramp requests.",
			}),
			ReconFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_findings_total",
				Help:      "Reconciliation findings by record kind and class.",
			}, []string{"kind", "class"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook events received by type and outcome.",
			}, []string{"type", "outcome"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification deliveries by backend and status.",
			}, []string{"backend", "status"}),
			NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Notifications dropped because the dispatch queue was full.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.GatewayRequests,
			metricsInstance.GatewayLatency,
			metricsInstance.ChainRequests,
			metricsInstance.ChainLatency,
			metricsInstance.Transitions,
			metricsInstance.ChainSubmissions,
			metricsInstance.WatcherPolls,
			metricsInstance.DepositsMatched,
			metricsInstance.ReconFindings,
			metricsInstance.WebhookEvents,
			metricsInstance.Notifications,
			metricsInstance.NotificationsDropped,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// ObserveGateway records a payment gateway call.
func (m *Metrics) ObserveGateway(endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := statusLabel(status)
	m.GatewayRequests.WithLabelValues(endpoint, label).Inc()
	if status > 0 {
		m.GatewayLatency.WithLabelValues(endpoint, label).Observe(elapsed.Seconds())
	}
}

// ObserveChain records a chain RPC call.
func (m *Metrics) ObserveChain(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ChainRequests.WithLabelValues(method, status).Inc()
	m.ChainLatency.WithLabelValues(method, status).Observe(elapsed.Seconds())
}

// Transition records a persisted status change.
func (m *Metrics) Transition(kind, from, to string) {
	if m == nil || from == to {
		return
	}
	m.Transitions.WithLabelValues(kind, from, to).Inc()
}

// Submission records one pass of the chain submission loop.
func (m *Metrics) Submission(kind, result string) {
	if m == nil {
		return
	}
	m.ChainSubmissions.WithLabelValues(kind, result).Inc()
}

// WatcherPoll records a deposit watcher cycle.
func (m *Metrics) WatcherPoll(result string, matched int) {
	if m == nil {
		return
	}
	m.WatcherPolls.WithLabelValues(result).Inc()
	if matched > 0 {
		m.DepositsMatched.Add(float64(matched))
	}
}

// ReconFinding records a reconciliation classification.
func (m *Metrics) ReconFinding(kind, class string) {
	if m == nil {
		return
	}
	m.ReconFindings.WithLabelValues(kind, class).Inc()
}

// Webhook records an inbound webhook event.
func (m *Metrics) Webhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// Notification records a notification delivery attempt.
func (m *Metrics) Notification(backend, status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(backend, status).Inc()
}

// NotificationDropped records a notification lost to back-pressure.
func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// Error increments the error counter for component.
func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
