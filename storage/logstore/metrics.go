package logstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	fsyncDuration      prometheus.Summary
	writesFailed       prometheus.Counter
	compactions        prometheus.Counter
	compactionsFailed  prometheus.Counter
	compactionDuration prometheus.Summary
	reclaimedBytes     prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of segment appends that failed.",
	})

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of completed compactions.",
	})

	m.compactionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_failed_total",
		Help: "Total number of compactions that were rolled back.",
	})

	m.compactionDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "compaction_duration_seconds",
		Help:       "Duration of compactions.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.reclaimedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reclaimed_bytes_total",
		Help: "Total number of bytes released by compaction.",
	})

	registerer.MustRegister(
		m.fsyncDuration,
		m.writesFailed,
		m.compactions,
		m.compactionsFailed,
		m.compactionDuration,
		m.reclaimedBytes,
	)

	return m
}

// registerGauges exposes the live state of s.
func registerGauges(registerer prometheus.Registerer, s *Store) {
	registerer.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reclaimable_bytes",
			Help: "Bytes in segments that the next compaction will drop.",
		}, func() float64 { return float64(s.reclaimable.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "current_segment",
			Help: "Id of the segment open for appends.",
		}, func() float64 { return float64(s.current.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keys",
			Help: "Number of live keys.",
		}, func() float64 { return float64(s.index.Len()) }),
	)
}
