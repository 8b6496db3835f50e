package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций над заказами.
const (
	ResultSuccess         = "success"
	ResultValidationError = "validation_error"
	ResultConflict        = "conflict"
	ResultError           = "error"
)

// OrderMetrics содержит метрики операций над заказами и их позициями.
type OrderMetrics struct {
	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	linesReconciled    *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	outboxEvents       prometheus.Counter
}

// NewOrderMetrics создаёт метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_operations_total",
			Help: "Total number of order operations grouped by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_operation_duration_seconds",
			Help:    "Duration of order operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		linesReconciled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_lines_reconciled_total",
			Help: "Total number of order lines processed by reconciliation grouped by action",
		}, []string{"action"}),
		validationFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_validation_failures_total",
			Help: "Total number of rejected order requests grouped by reason",
		}, []string{"reason"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of order events written to the transactional outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOperation фиксирует результат и длительность операции (create, update, delete, get, list).
func (m *OrderMetrics) RecordOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLinesReconciled добавляет количество позиций, обработанных с действием action.
func (m *OrderMetrics) RecordLinesReconciled(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.linesReconciled.WithLabelValues(action).Add(float64(count))
}

// RecordValidationFailure увеличивает счётчик отклонённых запросов.
func (m *OrderMetrics) RecordValidationFailure(reason string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(reason).Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
