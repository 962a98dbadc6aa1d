package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает одно сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer читает топики жизненного цикла заявок в составе consumer group.
// Сообщения, исчерпавшие ретраи, уходят в DLQ, если задан dlqProducer.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	maxRetries  int
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer создаёт consumer без DLQ: после трёх неудач сообщение
// остаётся необработанным и будет перечитано.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

// NewConsumerWithDLQ создаёт consumer, который после maxRetries неудачных
// попыток пересылает сообщение в Dead Letter Queue.
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		dlqProducer: dlqProducer,
		maxRetries:  maxRetries,
	}, nil
}

// Start запускает цикл потребления и дренаж канала ошибок.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)

	go func() {
		defer c.wg.Done()
		// Consume возвращается при каждом rebalance, поэтому цикл.
		for ctx.Err() == nil {
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("consume loop error")
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает consumer group и дожидается фоновых горутин.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim читает партицию до закрытия канала или отмены сессии.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			c.consumeMessage(session, message)

		case <-session.Context().Done():
			return nil
		}
	}
}

// consumeMessage маркирует offset только после успешной обработки или
// успешной отправки в DLQ; иначе сообщение будет перечитано.
func (c *Consumer) consumeMessage(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) {
	fields := log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}
	c.logger.WithFields(fields).Debug("message received")

	if err := c.process(session.Context(), message); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("message processing failed, offset not committed")
		return
	}

	session.MarkMessage(message, "")
}

// process пропускает сообщение через handler; при исчерпанных ретраях
// маршрутизирует его в DLQ.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	err := c.handler(ctx, message)
	if err == nil {
		return nil
	}

	attempts := retryCountFrom(message)
	if attempts < c.maxRetries {
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempts,
			"max_retries": c.maxRetries,
		}).Warn("handler failed, message will be retried")
		return err
	}

	if c.dlqProducer == nil {
		return err
	}

	if dlqErr := c.forwardToDLQ(message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("dlq forward failed")
		return fmt.Errorf("forward to dlq: %w", dlqErr)
	}

	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": attempts,
	}).Info("message routed to dlq")
	return nil
}

// retryCountFrom читает счётчик попыток из заголовков сообщения.
func retryCountFrom(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil {
			return count
		}
	}
	return 0
}

// dlqRecord — формат записи в Dead Letter Queue для consumer-ошибок.
type dlqRecord struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

func (c *Consumer) forwardToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, string(message.Key), dlqRecord{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        retryCountFrom(message),
	})
}

// ParseLifecycleEvent декодирует событие жизненного цикла из сообщения.
func ParseLifecycleEvent(message *sarama.ConsumerMessage) (*LifecycleEvent, error) {
	var event LifecycleEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("unmarshal lifecycle event: %w", err)
	}
	return &event, nil
}
