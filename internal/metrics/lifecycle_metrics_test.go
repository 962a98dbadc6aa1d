package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewLifecycleMetrics_Registerer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := newLifecycleMetricsWithRegisterer(reg)

	if metrics == nil {
		t.Fatal("newLifecycleMetricsWithRegisterer should not return nil")
	}
	if metrics.ordersCreated == nil {
		t.Error("ordersCreated counter should not be nil")
	}
	if metrics.transitionsApplied == nil {
		t.Error("transitionsApplied counter vec should not be nil")
	}
	if metrics.transitionsDenied == nil {
		t.Error("transitionsDenied counter vec should not be nil")
	}
	if metrics.writeConflicts == nil {
		t.Error("writeConflicts counter should not be nil")
	}
	if metrics.transitionDuration == nil {
		t.Error("transitionDuration histogram should not be nil")
	}
	if metrics.historyEntries == nil {
		t.Error("historyEntries counter should not be nil")
	}
	if metrics.outboxEvents == nil {
		t.Error("outboxEvents counter should not be nil")
	}
}

// Повторная регистрация в том же registry должна вернуть уже существующие коллекторы.
func TestNewLifecycleMetrics_AlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newLifecycleMetricsWithRegisterer(reg)
	second := newLifecycleMetricsWithRegisterer(reg)

	if first.ordersCreated != second.ordersCreated {
		t.Error("expected shared ordersCreated collector")
	}
	if first.transitionsApplied != second.transitionsApplied {
		t.Error("expected shared transitionsApplied collector")
	}
}

func TestRecordCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := newLifecycleMetricsWithRegisterer(reg)

	metrics.RecordOrderCreated()
	metrics.RecordOrderCreated()
	metrics.RecordTransitionApplied("pending", "approved")
	metrics.RecordTransitionDenied("wrong role")
	metrics.RecordWriteConflict()
	metrics.RecordHistoryEntry()
	metrics.RecordOutboxEvent()
	metrics.RecordTransitionDuration(25 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	got := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		got[mf.GetName()] = mf
	}

	created, ok := got["pms_orders_created_total"]
	if !ok {
		t.Fatal("pms_orders_created_total not gathered")
	}
	if v := created.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Fatalf("expected 2 created orders, got %v", v)
	}

	applied, ok := got["pms_order_transitions_total"]
	if !ok {
		t.Fatal("pms_order_transitions_total not gathered")
	}
	metric := applied.GetMetric()[0]
	labels := make(map[string]string)
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["from"] != "pending" || labels["to"] != "approved" {
		t.Fatalf("unexpected labels: %v", labels)
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Fatalf("expected 1 applied transition, got %v", v)
	}

	duration, ok := got["pms_order_transition_duration_seconds"]
	if !ok {
		t.Fatal("pms_order_transition_duration_seconds not gathered")
	}
	if c := duration.GetMetric()[0].GetHistogram().GetSampleCount(); c != 1 {
		t.Fatalf("expected 1 histogram sample, got %d", c)
	}
}
