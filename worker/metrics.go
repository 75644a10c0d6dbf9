package worker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	tasks        prometheus.Counter
	panics       prometheus.Counter
	replacements prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer, p *Pool) *Metrics {
	m := &Metrics{}

	m.tasks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_total",
		Help: "Total number of tasks queued.",
	})

	m.panics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_panics_total",
		Help: "Total number of tasks that panicked and took their worker down.",
	})

	m.replacements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_replacements_total",
		Help: "Total number of workers started to replace panicked ones.",
	})

	registerer.MustRegister(
		m.tasks,
		m.panics,
		m.replacements,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "workers",
			Help: "Number of live workers.",
		}, func() float64 { return float64(p.live.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "queued_tasks",
			Help: "Number of tasks waiting for a worker.",
		}, func() float64 { return float64(p.queue.len()) }),
	)

	return m
}
