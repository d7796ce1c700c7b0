package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_supervisor_sweep_runs_total",
		Help: "Общее количество запусков цикла Supervisor'а",
	})

	orphanLeasesReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_supervisor_orphan_leases_released_total",
		Help: "Общее количество forward_jobs, возвращённых в pending из-за истёкшего без heartbeat лизинга",
	})

	orphanScratchRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_supervisor_orphan_scratch_removed_total",
		Help: "Общее количество удалённых orphan scratch-файлов Object Store",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sfg_supervisor_sweep_duration_seconds",
		Help:    "Длительность одного цикла Supervisor'а",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	sweepErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfg_supervisor_sweep_errors_total",
		Help: "Общее количество ошибок в цикле Supervisor'а по стадии",
	}, []string{"stage"})
)
