package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	tlsTotal          *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesFetchedTotal   prometheus.Counter
	messagesDeliveredTotal *prometheus.CounterVec
	messageSizeBytes       prometheus.Histogram
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petrel_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"service"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petrel_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"service"}),
		tlsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petrel_tls_connections_total",
			Help: "Total number of TLS sessions established.",
		}, []string{"service"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petrel_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"service", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petrel_imap_commands_total",
			Help: "Total number of IMAP commands processed.",
		}, []string{"command"}),

		messagesFetchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petrel_messages_fetched_total",
			Help: "Total number of full message bodies served over IMAP.",
		}),
		messagesDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petrel_messages_delivered_total",
			Help: "Total number of messages written into mailboxes.",
		}, []string{"folder"}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "petrel_message_size_bytes",
			Help:    "Size of fetched and delivered messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesFetchedTotal,
		c.messagesDeliveredTotal,
		c.messageSizeBytes,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(service string) {
	c.connectionsTotal.WithLabelValues(service).Inc()
	c.connectionsActive.WithLabelValues(service).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(service string) {
	c.connectionsActive.WithLabelValues(service).Dec()
}

// TLSEstablished increments the TLS session counter.
func (c *PrometheusCollector) TLSEstablished(service string) {
	c.tlsTotal.WithLabelValues(service).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(service string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(service, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// MessageFetched increments the fetch counter and observes message size.
func (c *PrometheusCollector) MessageFetched(sizeBytes int64) {
	c.messagesFetchedTotal.Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

// MessageDelivered increments the delivery counter and observes message size.
func (c *PrometheusCollector) MessageDelivered(folder string, sizeBytes int64) {
	c.messagesDeliveredTotal.WithLabelValues(folder).Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}
