package kafka

import (
	"encoding/json"
	"testing"

	"github.com/procuredash/pms/internal/domain"
)

func TestEventTypeForStatus(t *testing.T) {
	cases := []struct {
		status domain.OrderStatus
		want   EventType
	}{
		{domain.OrderStatusPending, EventTypeOrderCreated},
		{domain.OrderStatusApproved, EventTypeOrderApproved},
		{domain.OrderStatusRejected, EventTypeOrderRejected},
		{domain.OrderStatusPurchased, EventTypeOrderPurchased},
		{domain.OrderStatusDelivered, EventTypeOrderDelivered},
		{domain.OrderStatusCancelled, EventTypeOrderCancelled},
		{domain.OrderStatus("archived"), EventType("order.archived")},
	}

	for _, tc := range cases {
		if got := EventTypeForStatus(tc.status); got != tc.want {
			t.Errorf("EventTypeForStatus(%q) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestNewLifecycleEvent(t *testing.T) {
	event := NewLifecycleEvent(EventTypeOrderPurchased, "order-1", domain.OrderStatusApproved, domain.OrderStatusPurchased, "purchase-1", domain.RolePurchase)

	if event.EventType != EventTypeOrderPurchased {
		t.Errorf("unexpected event type: %q", event.EventType)
	}
	if event.FromStatus != string(domain.OrderStatusApproved) || event.ToStatus != string(domain.OrderStatusPurchased) {
		t.Errorf("unexpected statuses: %q -> %q", event.FromStatus, event.ToStatus)
	}
	if event.ActorID != "purchase-1" || event.ActorRole != string(domain.RolePurchase) {
		t.Errorf("unexpected actor: %q (%q)", event.ActorID, event.ActorRole)
	}
	if event.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

// Событие создания не имеет исходного статуса, поле from_status опускается.
func TestLifecycleEventJSONOmitsEmptyFrom(t *testing.T) {
	event := NewLifecycleEvent(EventTypeOrderCreated, "order-1", "", domain.OrderStatusPending, "vendor-1", domain.RoleVendor)

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := raw["from_status"]; ok {
		t.Error("from_status should be omitted for creation events")
	}
	if raw["to_status"] != "pending" {
		t.Errorf("unexpected to_status: %v", raw["to_status"])
	}
}
