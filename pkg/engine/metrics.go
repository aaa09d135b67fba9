package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/docflow/pkg/engine/internal/interp"
	"github.com/grafana/docflow/pkg/engine/program"
)

const (
	statusSuccess    = "success"
	statusProcessing = "processing_error"
	statusComponent  = "component_error"
	statusCanceled   = "canceled"
	statusAbandoned  = "abandoned"
	statusFailure    = "failure"
)

type metrics struct {
	productions        *prometheus.CounterVec
	activeProductions  prometheus.Gauge
	productionSeconds  prometheus.Histogram
	instructions       *prometheus.CounterVec
	suspensions        *prometheus.CounterVec
	stagingLoads       prometheus.Counter
	rowsRead           prometheus.Counter
	resumesPerDocument prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		productions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_engine_productions_total",
			Help: "Total number of finished document productions by status",
		}, []string{"status"}),
		activeProductions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "docflow_engine_active_productions",
			Help: "Number of productions that have been started and not yet finished or closed",
		}),
		productionSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "docflow_engine_production_seconds",
			Help: "Number of seconds from the start of a production until its document was finished",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		instructions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_engine_instructions_total",
			Help: "Total number of executed instructions by kind and outcome",
		}, []string{"kind", "outcome"}),
		suspensions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_engine_suspensions_total",
			Help: "Total number of times a production suspended waiting on a result set",
		}, []string{"result_set"}),
		stagingLoads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "docflow_engine_staging_loads_total",
			Help: "Total number of staging queries loaded",
		}),
		rowsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "docflow_engine_rows_read_total",
			Help: "Total number of result set rows read by productions",
		}),
		resumesPerDocument: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "docflow_engine_resumes_per_document",
			Help:    "Number of resumes needed to finish a document",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// hooks records interpreter events.
type hooks struct{ m *metrics }

var _ interp.Hooks = hooks{}

func (h hooks) InstructionExecuted(kind string, outcome program.Outcome) {
	h.m.instructions.WithLabelValues(kind, outcome.String()).Inc()
}

func (h hooks) Suspended(resultSet string) { h.m.suspensions.WithLabelValues(resultSet).Inc() }
func (h hooks) StagingLoaded(string) { h.m.stagingLoads.Inc() }
func (h hooks) RowRead(string) { h.m.rowsRead.Inc() }
