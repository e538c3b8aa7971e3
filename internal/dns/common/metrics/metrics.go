package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Zone metrics
	ZoneSerial = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rr_authd_zone_serial",
			Help: "Current SOA serial by zone",
		},
		[]string{"zone"},
	)

	ZonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rr_authd_zones_total",
			Help: "Number of zones held by this node",
		},
	)

	JournalEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rr_authd_journal_entries",
			Help: "Retained journal entries by zone",
		},
		[]string{"zone"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_authd_commits_total",
			Help: "Committed zone versions by origin (local or replicated)",
		},
		[]string{"origin"},
	)

	// Transfer metrics
	TransfersServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_authd_transfers_served_total",
			Help: "Zone transfers served by kind and result",
		},
		[]string{"kind", "result"},
	)

	TransfersPulled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_authd_transfers_pulled_total",
			Help: "Zone transfers pulled from masters by kind and result",
		},
		[]string{"kind", "result"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rr_authd_transfer_duration_seconds",
			Help:    "Time taken to pull a zone transfer in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Replication metrics
	ReplicationState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rr_authd_replication_state",
			Help: "Replica task state by zone (0 idle, 1 polling, 2 applying, 3 retrying, 4 expired)",
		},
		[]string{"zone"},
	)

	NotifiesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_authd_notifies_sent_total",
			Help: "NOTIFY messages sent by result",
		},
		[]string{"result"},
	)

	// Query metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_authd_queries_total",
			Help: "Answered queries by response code",
		},
		[]string{"rcode"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ZoneSerial)
	prometheus.MustRegister(ZonesTotal)
	prometheus.MustRegister(JournalEntries)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(TransfersServed)
	prometheus.MustRegister(TransfersPulled)
	prometheus.MustRegister(TransferDuration)
	prometheus.MustRegister(ReplicationState)
	prometheus.MustRegister(NotifiesSent)
	prometheus.MustRegister(QueriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
