package outbox

import (
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
)

// LogPublisher публикует outbox-события в лог вместо брокера.
// Используется, когда сервис запущен без Kafka: relay продолжает
// разгружать outbox, а события остаются видимыми в логах.
type LogPublisher struct {
	logger *log.Entry
}

var _ domain.OutboxPublisher = (*LogPublisher)(nil)

// NewLogPublisher создаёт publisher, пишущий события в переданный логгер.
func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.New().WithField("component", "outbox-log-publisher")
	}
	return &LogPublisher{logger: logger}
}

// Publish пишет событие в лог и считает его доставленным.
func (p *LogPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.EventType,
		"order_id":   event.AggregateID,
		"payload":    string(event.Payload),
	}).Info("outbox событие опубликовано в лог")
	return nil
}
