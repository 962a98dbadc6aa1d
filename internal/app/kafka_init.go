package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/messaging/kafka"
)

// parseBrokerList разбирает список брокеров через запятую, отбрасывая
// пустые элементы и пробелы.
func parseBrokerList(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// initKafkaProducer создаёт producer для fire-and-forget событий жизненного
// цикла. Kafka опциональна: пустой список брокеров и ошибка подключения
// оставляют сервис работать без неё.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := parseBrokerList(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithFields(log.Fields{
		"brokers":      brokerList,
		"broker_count": len(brokerList),
	}).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает producer, если Kafka была подключена.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
