// notifier подписывается на события жизненного цикла заявок и пишет
// нотификации для ролей дашборда: кому какую заявку пора обработать.
// Доставка best-effort: сообщение, которое не удалось разобрать после
// нескольких попыток, уходит в DLQ.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/messaging/kafka"
)

const defaultGroupID = "pms-notifier"

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	var (
		brokersRaw string
		groupID    string
		topic      string
		withDLQ    bool
		maxRetries int
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: PMS_KAFKA_BROKERS)")
	flag.StringVar(&groupID, "group", defaultGroupID, "consumer group id")
	flag.StringVar(&topic, "topic", kafka.TopicOrderEvents, "lifecycle events topic")
	flag.BoolVar(&withDLQ, "with-dlq", true, "send messages that fail processing to the DLQ")
	flag.IntVar(&maxRetries, "max-retries", 3, "processing attempts before a message goes to the DLQ")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("PMS_KAFKA_BROKERS")
	}
	brokers := splitBrokers(brokersRaw)
	if len(brokers) == 0 {
		fail("kafka brokers are required (-brokers or PMS_KAFKA_BROKERS)")
	}

	logger := log.WithField("component", "notifier")

	var dlqProducer *kafka.Producer
	if withDLQ {
		producer, err := kafka.NewProducer(brokers)
		if err != nil {
			logger.WithError(err).Warn("failed to create dlq producer, continuing without dlq")
		} else {
			dlqProducer = producer
			defer func() { _ = producer.Close() }()
		}
	}

	consumer, err := kafka.NewConsumerWithDLQ(brokers, groupID, []string{topic}, handleLifecycleMessage(logger), dlqProducer, maxRetries)
	if err != nil {
		fail("create consumer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		fail("start consumer: %v", err)
	}

	logger.WithFields(log.Fields{
		"topic": topic,
		"group": groupID,
	}).Info("notifier запущен")

	<-ctx.Done()

	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("consumer stopped with error")
	}
	logger.Info("notifier остановлен")
}

// handleLifecycleMessage возвращает обработчик, который разбирает событие
// и логирует нотификацию для каждой заинтересованной роли.
func handleLifecycleMessage(logger *log.Entry) kafka.MessageHandler {
	return func(_ context.Context, message *sarama.ConsumerMessage) error {
		event, err := kafka.ParseLifecycleEvent(message)
		if err != nil {
			return fmt.Errorf("parse lifecycle event: %w", err)
		}

		for _, role := range notifyTargets(event.EventType) {
			logger.WithFields(log.Fields{
				"order_id":   event.OrderID,
				"event_type": event.EventType,
				"to_status":  event.ToStatus,
				"actor_id":   event.ActorID,
				"actor_role": event.ActorRole,
				"notify":     string(role),
			}).Info("нотификация по заявке")
		}
		return nil
	}
}

// notifyTargets возвращает роли, которым адресовано событие: кто должен
// отреагировать на заявку в её новом статусе.
func notifyTargets(eventType kafka.EventType) []domain.ActorRole {
	switch eventType {
	case kafka.EventTypeOrderCreated, kafka.EventTypeOrderResubmitted:
		// Новая pending-заявка ждёт решения шефа.
		return []domain.ActorRole{domain.RoleChef}
	case kafka.EventTypeOrderApproved:
		return []domain.ActorRole{domain.RoleVendor, domain.RolePurchase}
	case kafka.EventTypeOrderPurchased:
		return []domain.ActorRole{domain.RoleStore}
	case kafka.EventTypeOrderDelivered:
		return []domain.ActorRole{domain.RoleVendor}
	case kafka.EventTypeOrderRejected:
		return []domain.ActorRole{domain.RoleVendor}
	case kafka.EventTypeOrderCancelled:
		return []domain.ActorRole{domain.RoleVendor, domain.RolePurchase}
	default:
		return nil
	}
}

func splitBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
