package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the dispatcher's prometheus instruments
type Metrics struct {
	JobsStarted    prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	JobsCancelled  prometheus.Counter
	JobsRetried    prometheus.Counter
	JobsTimedOut   prometheus.Counter
	ChunksStored   prometheus.Counter
	VectorsWritten prometheus.Counter
	QueueDepth     prometheus.Gauge
	ActiveJobs     prometheus.Gauge
}

// NewMetrics registers the ingestion metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_started_total",
			Help: "Jobs moved from queued to processing",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_completed_total",
			Help: "Jobs that reached completed",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_failed_total",
			Help: "Jobs that reached terminal failed",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_cancelled_total",
			Help: "Jobs cancelled by request",
		}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_retried_total",
			Help: "Jobs requeued after a retryable failure",
		}),
		JobsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_timed_out_total",
			Help: "Jobs failed by the liveness sweep",
		}),
		ChunksStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_chunks_stored_total",
			Help: "Chunk rows written to the relational store",
		}),
		VectorsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_vectors_written_total",
			Help: "Embeddings written to the vector store",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Jobs waiting in the in-memory queue",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_jobs",
			Help: "Jobs currently processing",
		}),
	}
}
