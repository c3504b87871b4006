package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики конвейера исполнения ордеров
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах

// ============ Метрики обработки job'ов ============

// JobsProcessed - счётчик обработанных job'ов по результату
// outcome: success | retryable | terminal
var JobsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dexflow",
		Subsystem: "pipeline",
		Name:      "jobs_processed_total",
		Help:      "Total number of processed jobs by outcome",
	},
	[]string{"outcome"},
)

// RetriesScheduled - счётчик запланированных повторных попыток
var RetriesScheduled = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dexflow",
		Subsystem: "pipeline",
		Name:      "retries_scheduled_total",
		Help:      "Total number of jobs rescheduled with backoff",
	},
)

// StageDuration - длительность этапов конвейера
// Buckets покрывают симулированные задержки этапов (0.1s - 5s)
var StageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dexflow",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5},
	},
	[]string{"stage"},
)

// ============ Метрики очереди ============

// QueueDepth - текущая глубина очереди (waiting + delayed)
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dexflow",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of jobs waiting or delayed in the queue",
	},
)

// QueueInfraErrors - счётчик инфраструктурных ошибок очереди
var QueueInfraErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dexflow",
		Subsystem: "queue",
		Name:      "infra_errors_total",
		Help:      "Total number of queue infrastructure errors",
	},
)
