// dlq-reprocess перечитывает dead letter queue и возвращает события
// жизненного цикла заявок в основной topic. По умолчанию работает в
// режиме dry-run: кандидаты на повтор только логируются.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayRecord — сообщение, готовое к публикации в целевой topic.
type replayRecord struct {
	topic string
	key   string
	value []byte
}

// consumerDLQBody — форма сообщений, попавших в DLQ из consumer'а
// (см. dlqRecord в internal/messaging/kafka).
type consumerDLQBody struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// outboxDLQBody — форма сообщений, попавших в DLQ из outbox relay.
type outboxDLQBody struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type outboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type replayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Узкие интерфейсы поверх sarama, чтобы подменять их в тестах.
type brokerClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type replayProducer interface {
	PublishRaw(topic, key string, value []byte) error
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s saramaSource) Close() error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Close()
}

// newReplayDeps подменяется в тестах.
var newReplayDeps = func(cfg replayConfig) (brokerClient, partitionSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaSource{consumer: rawConsumer}

	if !cfg.execute {
		return client, source, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers)
	if err != nil {
		_ = source.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, source, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (replayConfig, error) {
	var (
		brokersRaw string
		cfg        replayConfig
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: PMS_KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "target topic for replay")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("PMS_KAFKA_BROKERS")
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return replayConfig{}, fmt.Errorf("kafka brokers are required (-brokers or PMS_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return replayConfig{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return replayConfig{}, fmt.Errorf("target-topic is required")
	}
	if cfg.limit <= 0 {
		return replayConfig{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return replayConfig{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
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

func run(ctx context.Context, cfg replayConfig) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	client, source, producer, err := newReplayDeps(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if source != nil {
			_ = source.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return runReplay(ctx, cfg, client, source, producer)
}

func runReplay(ctx context.Context, cfg replayConfig, client brokerClient, source partitionSource, producer replayProducer) error {
	if client == nil || source == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total partitionStats
	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}

		stats, err := scanPartition(ctx, cfg, client, source, producer, partition, cfg.limit-total.processed)
		if err != nil {
			return err
		}

		total.processed += stats.processed
		total.replayed += stats.replayed
		total.skipped += stats.skipped
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}

	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")

	return nil
}

type partitionStats struct {
	processed int
	replayed  int
	skipped   int
}

func scanPartition(
	ctx context.Context,
	cfg replayConfig,
	client brokerClient,
	source partitionSource,
	producer replayProducer,
	partition int32,
	limit int,
) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = newest - int64(limit)
		if startOffset < oldest {
			startOffset = oldest
		}
	}

	stream, err := source.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	endOffset := newest
	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-stream.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			resetIdleTimer(idleTimer, cfg.idleTimeout)

			if msg.Offset >= endOffset {
				return stats, nil
			}

			stats.processed++
			replayed, err := replayDLQMessage(cfg, producer, msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}

			if msg.Offset+1 >= endOffset {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// replayDLQMessage восстанавливает событие из DLQ-сообщения и публикует его;
// в dry-run кандидат только логируется. false означает пропуск сообщения.
func replayDLQMessage(cfg replayConfig, producer replayProducer, msg *sarama.ConsumerMessage) (bool, error) {
	record, ok, err := extractReplayRecord(msg, cfg.targetTopic)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip unsupported dlq message")
		return false, nil
	}
	if !ok {
		return false, nil
	}

	if !cfg.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": record.topic,
			"key":          record.key,
		}).Info("dlq replay candidate")
		return true, nil
	}

	if err := publishReplay(producer, record); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	return true, nil
}

func resetIdleTimer(timer *time.Timer, timeout time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(timeout)
}

func publishReplay(producer replayProducer, record replayRecord) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}
	return producer.PublishRaw(record.topic, record.key, record.value)
}

// extractReplayRecord восстанавливает исходное событие из DLQ-сообщения.
// Поддерживаются обе формы: consumer DLQ (original_*) и outbox DLQ
// (конверт с вложенным payload).
func extractReplayRecord(msg *sarama.ConsumerMessage, defaultTopic string) (replayRecord, bool, error) {
	var consumerBody consumerDLQBody
	if err := json.Unmarshal(msg.Value, &consumerBody); err == nil && consumerBody.OriginalValue != "" {
		targetTopic := strings.TrimSpace(consumerBody.OriginalTopic)
		if targetTopic == "" {
			targetTopic = defaultTopic
		}
		return replayRecord{
			topic: targetTopic,
			key:   consumerBody.OriginalKey,
			value: []byte(consumerBody.OriginalValue),
		}, true, nil
	}

	var envelope outboxEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayRecord{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return replayRecord{}, false, nil
	}

	var dlqBody outboxDLQBody
	if err := json.Unmarshal(envelope.Payload, &dlqBody); err != nil {
		return replayRecord{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dlqBody.Payload) == 0 {
		return replayRecord{}, false, fmt.Errorf("outbox dlq payload does not contain original event payload")
	}

	replay := replayEnvelope{
		ID:            firstNonEmpty(dlqBody.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dlqBody.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dlqBody.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dlqBody.EventType, envelope.EventType),
		Payload:       dlqBody.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayRecord{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := replay.AggregateID
	if key == "" {
		key = replay.ID
	}

	return replayRecord{
		topic: defaultTopic,
		key:   key,
		value: encoded,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
