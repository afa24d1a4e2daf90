package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolserver/pkg/util"
)

const (
	statusSuccess = "success"

	// Per-query outcomes
	resultResolved      = "resolved"
	resultNoImageRef    = "no_image_ref"
	resultImageNotFound = "image_not_found"
	resultNoSymbol      = "no_symbol"
)

type metrics struct {
	batchDuration  *prometheus.HistogramVec
	batchSize      prometheus.Histogram
	queries        *prometheus.CounterVec
	tableAnomalies prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolserver_batch_duration_seconds",
			Help:    "Time spent symbolizing a batch, including database acquisition, by status",
			Buckets: []float64{.0001, .001, .01, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symbolserver_batch_queries",
			Help:    "Number of queries per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolserver_queries_total",
			Help: "Total number of resolved queries by result",
		}, []string{"result"}),
		tableAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolserver_symbol_table_anomalies_total",
			Help: "Total number of resolutions that hit symbols sharing an address",
		}),
	}

	m.batchDuration = util.RegisterOrGet(reg, m.batchDuration)
	m.batchSize = util.RegisterOrGet(reg, m.batchSize)
	m.queries = util.RegisterOrGet(reg, m.queries)
	m.tableAnomalies = util.RegisterOrGet(reg, m.tableAnomalies)
	return m
}
