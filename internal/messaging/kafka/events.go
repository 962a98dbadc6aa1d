package kafka

import (
	"time"

	"github.com/procuredash/pms/internal/domain"
)

// EventType определяет тип события жизненного цикла заявки.
type EventType string

const (
	EventTypeOrderCreated     EventType = "order.created"
	EventTypeOrderApproved    EventType = "order.approved"
	EventTypeOrderRejected    EventType = "order.rejected"
	EventTypeOrderPurchased   EventType = "order.purchased"
	EventTypeOrderDelivered   EventType = "order.delivered"
	EventTypeOrderCancelled   EventType = "order.cancelled"
	EventTypeOrderResubmitted EventType = "order.resubmitted"
)

// Topics для Kafka.
const (
	TopicOrderEvents     = "pms.order.events"
	TopicDeadLetterQueue = "pms.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// LifecycleEvent представляет событие перехода заявки для внешних подписчиков
// (нотификации, бейджи, алерты). Доставка fire-and-forget.
type LifecycleEvent struct {
	EventType  EventType              `json:"event_type"`
	OrderID    string                 `json:"order_id"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status"`
	ActorID    string                 `json:"actor_id"`
	ActorRole  string                 `json:"actor_role"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewLifecycleEvent создаёт событие перехода from → to.
func NewLifecycleEvent(eventType EventType, orderID string, from, to domain.OrderStatus, actorID string, actorRole domain.ActorRole) *LifecycleEvent {
	return &LifecycleEvent{
		EventType:  eventType,
		OrderID:    orderID,
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorID:    actorID,
		ActorRole:  string(actorRole),
		Timestamp:  time.Now().UTC(),
	}
}

// EventTypeForStatus возвращает тип события для целевого статуса перехода.
func EventTypeForStatus(status domain.OrderStatus) EventType {
	switch status {
	case domain.OrderStatusPending:
		return EventTypeOrderCreated
	case domain.OrderStatusApproved:
		return EventTypeOrderApproved
	case domain.OrderStatusRejected:
		return EventTypeOrderRejected
	case domain.OrderStatusPurchased:
		return EventTypeOrderPurchased
	case domain.OrderStatusDelivered:
		return EventTypeOrderDelivered
	case domain.OrderStatusCancelled:
		return EventTypeOrderCancelled
	default:
		return EventType("order." + string(status))
	}
}
