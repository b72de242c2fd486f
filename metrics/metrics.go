// Package metrics exposes Prometheus collectors for the job pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshq_jobs_enqueued_total",
		Help: "Jobs accepted through admission.",
	})
	JobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshq_jobs_dispatched_total",
		Help: "Jobs handed to the worker.",
	})
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshq_jobs_completed_total",
		Help: "Jobs finished with artifacts.",
	})
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshq_jobs_failed_total",
		Help: "Jobs that ended in failure.",
	})
	JobsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshq_jobs_expired_total",
		Help: "Jobs expired by the reaper.",
	})
	UploadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshq_uploads_rejected_total",
		Help: "Uploads refused at admission, by reason.",
	}, []string{"reason"})

	WorkerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshq_worker_connected",
		Help: "1 while a worker session is installed.",
	})
	Listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshq_job_listeners",
		Help: "Open listener websockets.",
	})
)

// PendingDepth reads the queue depth at scrape time, so the gauge tracks
// the dispatch loop draining the queue without explicit updates. The caller
// registers the returned collector once the store exists.
func PendingDepth(count func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshq_queue_pending",
		Help: "Jobs currently waiting for the worker.",
	}, count)
}

// Handler serves the default registry at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
