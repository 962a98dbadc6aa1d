package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LifecycleMetrics содержит метрики операций жизненного цикла заявок.
type LifecycleMetrics struct {
	// Счётчики операций
	ordersCreated      prometheus.Counter
	transitionsApplied *prometheus.CounterVec
	transitionsDenied  *prometheus.CounterVec
	writeConflicts     prometheus.Counter

	// Гистограмма времени применения перехода
	transitionDuration prometheus.Histogram

	// Счётчики событий
	historyEntries prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewLifecycleMetrics создаёт новый экземпляр метрик жизненного цикла.
func NewLifecycleMetrics() *LifecycleMetrics {
	return newLifecycleMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newLifecycleMetricsWithRegisterer(registerer prometheus.Registerer) *LifecycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LifecycleMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pms_orders_created_total",
			Help: "Total number of purchase orders created",
		}),
		transitionsApplied: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pms_order_transitions_total",
			Help: "Total number of applied order status transitions",
		}, []string{"from", "to"}),
		transitionsDenied: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pms_order_transitions_denied_total",
			Help: "Total number of denied order status transitions grouped by reason",
		}, []string{"reason"}),
		writeConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pms_order_write_conflicts_total",
			Help: "Total number of concurrent write conflicts surfaced to callers",
		}),
		transitionDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "pms_order_transition_duration_seconds",
			Help:    "Duration of order transition operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		historyEntries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pms_order_history_entries_total",
			Help: "Total number of history entries appended",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pms_outbox_events_total",
			Help: "Total number of lifecycle events enqueued into outbox",
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

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заявок.
func (m *LifecycleMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordTransitionApplied увеличивает счётчик применённых переходов.
func (m *LifecycleMetrics) RecordTransitionApplied(from, to string) {
	m.transitionsApplied.WithLabelValues(from, to).Inc()
}

// RecordTransitionDenied увеличивает счётчик отклонённых переходов.
func (m *LifecycleMetrics) RecordTransitionDenied(reason string) {
	m.transitionsDenied.WithLabelValues(reason).Inc()
}

// RecordWriteConflict увеличивает счётчик конфликтов конкурентной записи.
func (m *LifecycleMetrics) RecordWriteConflict() {
	m.writeConflicts.Inc()
}

// RecordTransitionDuration записывает время применения перехода.
func (m *LifecycleMetrics) RecordTransitionDuration(duration time.Duration) {
	m.transitionDuration.Observe(duration.Seconds())
}

// RecordHistoryEntry увеличивает счётчик записей истории.
func (m *LifecycleMetrics) RecordHistoryEntry() {
	m.historyEntries.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *LifecycleMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
