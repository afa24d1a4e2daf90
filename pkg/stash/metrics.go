package stash

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolserver/pkg/util"
)

const (
	loadSuccess  = "success"
	loadFailure  = "failure"
	loadUnknown  = "unknown_sdk"
	loadCanceled = "canceled"

	evictCapacity = "capacity"
	evictBytes    = "bytes"
	evictIdle     = "idle"
)

type metrics struct {
	loads             *prometheus.CounterVec
	loadDuration      prometheus.Histogram
	hits              prometheus.Counter
	misses            prometheus.Counter
	evictions         *prometheus.CounterVec
	residentBytes     prometheus.Gauge
	residentDatabases prometheus.Gauge
	loadsInFlight     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolserver_stash_loads_total",
			Help: "Total number of SDK database loads by status",
		}, []string{"status"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symbolserver_stash_load_duration_seconds",
			Help:    "Time spent loading an SDK database",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolserver_stash_hits_total",
			Help: "Total number of acquisitions served from memory",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolserver_stash_misses_total",
			Help: "Total number of acquisitions that had to wait for a load",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolserver_stash_evictions_total",
			Help: "Total number of SDK databases dropped from memory by reason",
		}, []string{"reason"}),
		residentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "symbolserver_stash_resident_bytes",
			Help: "Total size of the SDK databases held in memory",
		}),
		residentDatabases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "symbolserver_stash_resident_databases",
			Help: "Number of SDK databases held in memory",
		}),
		loadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "symbolserver_stash_loads_in_flight",
			Help: "Number of SDK database loads in progress",
		}),
	}

	m.loads = util.RegisterOrGet(reg, m.loads)
	m.loadDuration = util.RegisterOrGet(reg, m.loadDuration)
	m.hits = util.RegisterOrGet(reg, m.hits)
	m.misses = util.RegisterOrGet(reg, m.misses)
	m.evictions = util.RegisterOrGet(reg, m.evictions)
	m.residentBytes = util.RegisterOrGet(reg, m.residentBytes)
	m.residentDatabases = util.RegisterOrGet(reg, m.residentDatabases)
	m.loadsInFlight = util.RegisterOrGet(reg, m.loadsInFlight)
	return m
}
