package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/messaging/kafka"
	"github.com/procuredash/pms/internal/service/lifecycle"
	"github.com/procuredash/pms/internal/service/outbox"
)

// CreateEngine создаёт движок жизненного цикла с или без Kafka в зависимости
// от наличия kafka producer.
func CreateEngine(deps *Dependencies, kafkaProducer *kafka.Producer) lifecycle.Engine {
	if kafkaProducer != nil {
		return lifecycle.NewEngineWithKafka(
			deps.Repo,
			deps.OutboxRepo,
			deps.IdempotencyRepo,
			kafkaProducer,
			deps.Logger,
		)
	}

	return lifecycle.NewEngine(
		deps.Repo,
		deps.OutboxRepo,
		deps.IdempotencyRepo,
		deps.Logger,
	)
}

// createPublisher выбирает publisher для outbox relay: Kafka topic при
// наличии producer, иначе лог.
func createPublisher(cfg Config, kafkaProducer *kafka.Producer, logger *log.Entry) domain.OutboxPublisher {
	if kafkaProducer != nil {
		return kafka.NewOutboxPublisher(kafkaProducer, cfg.OutboxTopic)
	}
	return outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher"))
}
