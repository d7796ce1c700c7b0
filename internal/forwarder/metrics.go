package forwarder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_forwarder_jobs_claimed_total",
		Help: "Общее количество захваченных ForwardJob",
	})

	jobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_forwarder_jobs_completed_total",
		Help: "Общее количество успешно доставленных ForwardJob",
	})

	jobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfg_forwarder_jobs_failed_total",
		Help: "Общее количество отказов ForwardJob по категории ошибки и итоговому переходу",
	}, []string{"error_kind", "outcome"})

	associationsDialedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_forwarder_associations_dialed_total",
		Help: "Общее количество установленных новых ассоциаций к destination'ам",
	})

	associationsReusedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_forwarder_associations_reused_total",
		Help: "Общее количество повторных использований ассоциации из пула",
	})

	associationsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_forwarder_associations_evicted_total",
		Help: "Общее количество закрытых простаивающих или вытесненных ассоциаций",
	})

	transferDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sfg_forwarder_transfer_duration_seconds",
		Help:    "Длительность одной передачи C-STORE от dial/reuse до ответа peer'а",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})
)
