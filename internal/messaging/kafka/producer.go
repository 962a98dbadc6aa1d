package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer — синхронный Kafka producer сервиса заявок. Через него уходят
// события жизненного цикла и записи DLQ.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// producerConfig настраивает идемпотентную публикацию: acks от всех реплик
// и не более одного запроса в полёте, иначе sarama отклонит конфигурацию.
func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer подключается к брокерам и возвращает готовый producer.
func NewProducer(brokers []string) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEvent сериализует событие в JSON и публикует его в topic.
// Ключ определяет партицию: события одной заявки идут по порядку.
func (p *Producer) PublishEvent(topic string, key string, event interface{}) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka producer is not initialized")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for topic %s: %w", topic, err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(body),
		Timestamp: time.Now(),
	})

	fields := log.Fields{"topic": topic, "key": key}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka publish failed")
		return fmt.Errorf("send message to %s: %w", topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message published")
	return nil
}

// PublishRaw отправляет уже сериализованное сообщение как есть.
// Используется при replay событий из DLQ, где тело восстановлено заранее.
func (p *Producer) PublishRaw(topic, key string, value []byte) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka producer is not initialized")
	}

	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("send raw message to %s: %w", topic, err)
	}
	return nil
}

// Close закрывает соединение с брокерами.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
