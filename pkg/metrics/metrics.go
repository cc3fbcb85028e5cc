// Package metrics defines package-level Prometheus collectors for warc-proxy.
// Call Register() once at startup to expose them on the default registry, or
// RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FlowsIntercepted counts hook deliveries, labelled by phase (request|response).
	FlowsIntercepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warcproxy_flows_intercepted_total",
		Help: "Intercepted messages delivered to addons, by phase.",
	}, []string{"phase"})

	// TunnelsOpened counts CONNECT tunnels relayed without archiving.
	TunnelsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warcproxy_tunnels_opened_total",
		Help: "CONNECT tunnels relayed opaquely (not archived).",
	})

	// RecordsWritten counts WARC records durably written, by record type.
	RecordsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warcproxy_records_written_total",
		Help: "WARC records written to the output file, by WARC-Type.",
	}, []string{"type"})

	// BytesWritten counts bytes appended to the output file.
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warcproxy_bytes_written_total",
		Help: "Bytes appended to the WARC output file.",
	})

	// RecordWriteFailures counts records the sink could not write or enqueue,
	// by kind (write_failed|queue_full|closed|canceled).
	RecordWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warcproxy_record_write_failures_total",
		Help: "Records lost by the capture sink, by failure kind.",
	}, []string{"kind"})

	// ReconstructionErrors counts messages whose wire form could not be rebuilt
	// exactly, by reason (unknown_status|missing_field).
	ReconstructionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warcproxy_reconstruction_errors_total",
		Help: "HTTP message reconstruction errors, by reason.",
	}, []string{"reason"})

	// QueueDepth is the number of records waiting for the writer.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warcproxy_queue_depth",
		Help: "Records queued for the WARC writer.",
	})

	// AffinityHosts is the number of distinct (host, port) pairs observed.
	AffinityHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warcproxy_affinity_hosts",
		Help: "Distinct destinations held in the host affinity table.",
	})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		FlowsIntercepted,
		TunnelsOpened,
		RecordsWritten,
		BytesWritten,
		RecordWriteFailures,
		ReconstructionErrors,
		QueueDepth,
		AffinityHosts,
	)
}
