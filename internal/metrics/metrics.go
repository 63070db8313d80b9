// Package metrics exposes Prometheus collectors for import jobs.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StatementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlimport_statements_total",
		Help: "Statements seen by the executor, by category and outcome",
	}, []string{"category", "outcome"})

	ProcessSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlimport_process_steps_total",
		Help: "Processing steps run, by resulting job status",
	}, []string{"status"})

	ProcessStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sqlimport_process_step_seconds",
		Help:    "Wall-clock duration of a processing step",
		Buckets: prometheus.DefBuckets,
	})

	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlimport_uploaded_bytes_total",
		Help: "Bytes accepted through chunk uploads and object imports",
	})

	UploadChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlimport_upload_chunks_total",
		Help: "Upload chunks received, by result (OK or BAD_CHECKSUM)",
	}, []string{"result"})

	JobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlimport_jobs_gc_deleted_total",
		Help: "Job directories removed by garbage collection",
	})
)

// Handler serves the default registry
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
