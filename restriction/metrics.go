package restriction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	TriggerCommand = "command"
	TriggerExpired = "expired"
	TriggerManual  = "manual"
	TriggerBan     = "ban"
	TriggerStartup = "startup"
)

type engineMetrics struct {
	applied          prometheus.Counter
	renewed          prometheus.Counter
	released         *prometheus.CounterVec
	hierarchyFailure prometheus.Counter
	rolesKept        prometheus.Counter
}

func (e *Engine) initMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"kind": e.kind.Name}
	e.metrics = &engineMetrics{
		applied: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_applied_total",
			Help:        "number of new restrictions applied",
			ConstLabels: labels,
		}),
		renewed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_renewed_total",
			Help:        "number of restrictions updated in place",
			ConstLabels: labels,
		}),
		released: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "restrict_released_total",
			Help:        "number of restrictions released, by trigger",
			ConstLabels: labels,
		}, []string{"trigger"}),
		hierarchyFailure: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_hierarchy_failures_total",
			Help:        "number of restrictions refused because of role hierarchy",
			ConstLabels: labels,
		}),
		rolesKept: factory.NewCounter(prometheus.CounterOpts{
			Name:        "restrict_roles_kept_total",
			Help:        "number of roles left on a member because the bot could not manage them",
			ConstLabels: labels,
		}),
	}
}
