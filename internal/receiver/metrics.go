package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	associationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_receiver_associations_total",
		Help: "Общее количество принятых DICOM-ассоциаций",
	})

	objectsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_receiver_objects_received_total",
		Help: "Общее количество успешно принятых и опубликованных объектов",
	})

	objectsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfg_receiver_objects_rejected_total",
		Help: "Общее количество отклонённых объектов по причине",
	}, []string{"reason"})

	bytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfg_receiver_bytes_received_total",
		Help: "Общее количество принятых байт объектов",
	})

	receiveDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sfg_receiver_object_duration_seconds",
		Help:    "Длительность приёма одного объекта от C-STORE до ответа",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)
