package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type schedulerMetrics struct {
	queued  prometheus.Gauge
	pending prometheus.Gauge
	fired   prometheus.Counter
	failed  prometheus.Counter
	polls   prometheus.Counter
}

func (s *Scheduler) initMetrics(reg prometheus.Registerer) {
	// A nil registerer yields unregistered collectors.
	factory := promauto.With(reg)
	labels := prometheus.Labels{"kind": s.name}
	s.metrics = &schedulerMetrics{
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "restrict_scheduler_queued",
			Help:        "number of removals waiting in the timer queue",
			ConstLabels: labels,
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "restrict_scheduler_pending",
			Help:        "number of removals with an armed timer",
			ConstLabels: labels,
		}),
		fired: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_scheduler_fired_total",
			Help:        "number of removal callbacks run",
			ConstLabels: labels,
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_scheduler_failed_total",
			Help:        "number of removal callbacks that returned an error or panicked",
			ConstLabels: labels,
		}),
		polls: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_scheduler_polls_total",
			Help:        "number of timer queue polls",
			ConstLabels: labels,
		}),
	}
}

func (s *Scheduler) updateGauges() {
	s.metrics.queued.Set(float64(s.queue.Len()))
	s.metrics.pending.Set(float64(s.pending.Len()))
}
