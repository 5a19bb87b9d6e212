package overlay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus collectors. It uses an isolated
// prometheus.Registry so these metrics don't collide with the global
// default registry; each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Overlay engine
	ConnectedPeers  *prometheus.GaugeVec
	DialsTotal      *prometheus.CounterVec
	DialDuration    *prometheus.HistogramVec
	DHTQueriesTotal *prometheus.CounterVec

	// Directory
	DirectorySize *prometheus.GaugeVec

	// Messaging
	MessagesSentTotal     *prometheus.CounterVec
	MessagesReceivedTotal *prometheus.CounterVec

	// Status broadcaster
	StatusReportsTotal *prometheus.CounterVec

	// Local API
	APIStreamsActive  *prometheus.GaugeVec
	APIRequestsTotal  *prometheus.CounterVec

	// Connection gating (security)
	ConnectionDecisionsTotal *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on an isolated registry. version and goVersion are recorded as labels on
// the agentmesh_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentmesh_connected_peers",
				Help: "Number of currently connected overlay peers.",
			},
			[]string{"role"},
		),
		DialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_dials_total",
				Help: "Total number of outbound dial attempts.",
			},
			[]string{"target", "result"},
		),
		DialDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentmesh_dial_duration_seconds",
				Help:    "Duration of outbound dial attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
			},
			[]string{"target"},
		),
		DHTQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_dht_queries_total",
				Help: "Total number of DHT operations by kind and result.",
			},
			[]string{"op", "result"},
		),

		DirectorySize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentmesh_directory_size",
				Help: "Number of account addresses known to the directory.",
			},
			[]string{},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_messages_sent_total",
				Help: "Total number of application messages published.",
			},
			[]string{"result"},
		),
		MessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_messages_received_total",
				Help: "Total number of application messages received off the mesh.",
			},
			[]string{"result"},
		),

		StatusReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_status_reports_total",
				Help: "Total number of status reports published or received.",
			},
			[]string{"direction"},
		),

		APIStreamsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentmesh_api_streams_active",
				Help: "Number of currently open local API event streams.",
			},
			[]string{},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_api_requests_total",
				Help: "Total number of local API operations by name and result.",
			},
			[]string{"operation", "result"},
		),

		ConnectionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_connection_decisions_total",
				Help: "Total number of connection gate decisions.",
			},
			[]string{"result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentmesh_info",
				Help: "Build information for the running agentmesh node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.ConnectedPeers,
		m.DialsTotal,
		m.DialDuration,
		m.DHTQueriesTotal,
		m.DirectorySize,
		m.MessagesSentTotal,
		m.MessagesReceivedTotal,
		m.StatusReportsTotal,
		m.APIStreamsActive,
		m.APIRequestsTotal,
		m.ConnectionDecisionsTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
