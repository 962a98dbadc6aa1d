package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" localhost:9092 , ,localhost:9093,")
	if len(brokers) != 2 {
		t.Fatalf("expected 2 brokers, got %d", len(brokers))
	}
	if brokers[0] != "localhost:9092" || brokers[1] != "localhost:9093" {
		t.Fatalf("unexpected brokers: %v", brokers)
	}

	if len(parseBrokers("  ,  ")) != 0 {
		t.Fatal("expected no brokers for blank input")
	}
}

func TestExtractReplayRecord_ConsumerDLQBody(t *testing.T) {
	body, _ := json.Marshal(consumerDLQBody{
		OriginalTopic: "pms.order.events",
		OriginalKey:   "order-1",
		OriginalValue: `{"event_type":"order.approved","order_id":"order-1"}`,
	})

	record, ok, err := extractReplayRecord(&sarama.ConsumerMessage{Value: body}, "fallback.topic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a replay record")
	}
	if record.topic != "pms.order.events" {
		t.Fatalf("unexpected topic: %s", record.topic)
	}
	if record.key != "order-1" {
		t.Fatalf("unexpected key: %s", record.key)
	}
	if !strings.Contains(string(record.value), "order.approved") {
		t.Fatalf("unexpected value: %s", record.value)
	}
}

func TestExtractReplayRecord_ConsumerDLQBodyWithoutTopicUsesDefault(t *testing.T) {
	body, _ := json.Marshal(consumerDLQBody{
		OriginalKey:   "order-2",
		OriginalValue: `{"event_type":"order.rejected"}`,
	})

	record, ok, err := extractReplayRecord(&sarama.ConsumerMessage{Value: body}, "fallback.topic")
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if record.topic != "fallback.topic" {
		t.Fatalf("expected fallback topic, got %s", record.topic)
	}
}

func TestExtractReplayRecord_OutboxDLQBody(t *testing.T) {
	dlqPayload, _ := json.Marshal(map[string]any{
		"outbox_id":      "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "order-3",
		"event_type":     "order.purchased",
		"payload":        json.RawMessage(`{"order_id":"order-3","to_status":"purchased"}`),
		"publish_error":  "kafka: broker down",
	})
	envelope, _ := json.Marshal(outboxEnvelope{
		ID:            "outbox-1",
		AggregateType: "order",
		AggregateID:   "order-3",
		EventType:     "order.purchased",
		Payload:       dlqPayload,
	})

	record, ok, err := extractReplayRecord(&sarama.ConsumerMessage{Value: envelope}, "pms.order.events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a replay record")
	}
	if record.topic != "pms.order.events" {
		t.Fatalf("unexpected topic: %s", record.topic)
	}
	if record.key != "order-3" {
		t.Fatalf("unexpected key: %s", record.key)
	}

	var replay replayEnvelope
	if err := json.Unmarshal(record.value, &replay); err != nil {
		t.Fatalf("decode replay envelope: %v", err)
	}
	if replay.EventType != "order.purchased" || replay.AggregateID != "order-3" {
		t.Fatalf("unexpected replay envelope: %+v", replay)
	}
	if !strings.Contains(string(replay.Payload), "to_status") {
		t.Fatalf("original payload must survive replay: %s", replay.Payload)
	}
}

func TestExtractReplayRecord_InvalidNestedPayload(t *testing.T) {
	envelope, _ := json.Marshal(outboxEnvelope{
		ID:        "outbox-2",
		EventType: "order.cancelled",
		Payload:   json.RawMessage(`"not an object"`),
	})

	_, ok, err := extractReplayRecord(&sarama.ConsumerMessage{Value: envelope}, "pms.order.events")
	if err == nil {
		t.Fatal("expected error for invalid nested payload")
	}
	if ok {
		t.Fatal("record must not be produced on error")
	}
}

func TestExtractReplayRecord_UnknownPayload(t *testing.T) {
	_, ok, err := extractReplayRecord(&sarama.ConsumerMessage{Value: []byte("not json at all")}, "pms.order.events")
	if err != nil {
		t.Fatalf("unknown payload should be skipped silently, got %v", err)
	}
	if ok {
		t.Fatal("unknown payload must not produce a record")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("unexpected value: %s", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %s", got)
	}
}

func withCLIArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

func TestReadConfig_FromFlags(t *testing.T) {
	withCLIArgs(t, []string{
		"-brokers=localhost:9092",
		"-source-topic=custom.dlq",
		"-target-topic=custom.events",
		"-limit=10",
		"-execute",
		"-from-newest",
		"-idle-timeout=500ms",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 1 || cfg.brokers[0] != "localhost:9092" {
			t.Fatalf("unexpected brokers: %v", cfg.brokers)
		}
		if cfg.sourceTopic != "custom.dlq" || cfg.targetTopic != "custom.events" {
			t.Fatalf("unexpected topics: %s -> %s", cfg.sourceTopic, cfg.targetTopic)
		}
		if cfg.limit != 10 || !cfg.execute || !cfg.fromNewest {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.idleTimeout != 500*time.Millisecond {
			t.Fatalf("unexpected idle timeout: %s", cfg.idleTimeout)
		}
	})
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"missing brokers", []string{"-brokers="}},
		{"empty source topic", []string{"-brokers=localhost:9092", "-source-topic= "}},
		{"empty target topic", []string{"-brokers=localhost:9092", "-target-topic= "}},
		{"non-positive limit", []string{"-brokers=localhost:9092", "-limit=0"}},
		{"non-positive idle timeout", []string{"-brokers=localhost:9092", "-idle-timeout=0s"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PMS_KAFKA_BROKERS", "")
			withCLIArgs(t, tc.args, func() {
				if _, err := readConfig(); err == nil {
					t.Fatal("expected validation error")
				}
			})
		})
	}
}

func TestPublishReplay(t *testing.T) {
	producer := &stubProducer{}

	err := publishReplay(producer, replayRecord{topic: "t", key: "k", value: []byte("v")})
	if err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if len(producer.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(producer.sent))
	}
	if producer.sent[0].topic != "t" || producer.sent[0].key != "k" {
		t.Fatalf("unexpected publish: %+v", producer.sent[0])
	}

	if err := publishReplay(nil, replayRecord{}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestScanPartition_DryRunAndExecute(t *testing.T) {
	body, _ := json.Marshal(consumerDLQBody{
		OriginalTopic: "pms.order.events",
		OriginalKey:   "order-1",
		OriginalValue: `{"event_type":"order.approved"}`,
	})

	newStubs := func() (*stubClient, *stubSource, *stubProducer) {
		client := &stubClient{oldest: 0, newest: 2}
		source := &stubSource{messages: []*sarama.ConsumerMessage{
			{Topic: "pms.dlq", Partition: 0, Offset: 0, Value: body},
			{Topic: "pms.dlq", Partition: 0, Offset: 1, Value: []byte("garbage")},
		}}
		return client, source, &stubProducer{}
	}

	cfg := replayConfig{
		sourceTopic: "pms.dlq",
		targetTopic: "pms.order.events",
		limit:       10,
		idleTimeout: 200 * time.Millisecond,
	}

	client, source, _ := newStubs()
	stats, err := scanPartition(context.Background(), cfg, client, source, nil, 0, cfg.limit)
	if err != nil {
		t.Fatalf("dry-run scan failed: %v", err)
	}
	if stats.processed != 2 || stats.replayed != 1 || stats.skipped != 1 {
		t.Fatalf("unexpected dry-run stats: %+v", stats)
	}

	cfg.execute = true
	client, source, producer := newStubs()
	stats, err = scanPartition(context.Background(), cfg, client, source, producer, 0, cfg.limit)
	if err != nil {
		t.Fatalf("execute scan failed: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("unexpected execute stats: %+v", stats)
	}
	if len(producer.sent) != 1 {
		t.Fatalf("expected 1 replayed message, got %d", len(producer.sent))
	}
}

func TestScanPartition_EmptyPartition(t *testing.T) {
	cfg := replayConfig{sourceTopic: "pms.dlq", targetTopic: "pms.order.events", limit: 5, idleTimeout: 100 * time.Millisecond}
	client := &stubClient{oldest: 7, newest: 7}

	stats, err := scanPartition(context.Background(), cfg, client, &stubSource{}, nil, 0, cfg.limit)
	if err != nil {
		t.Fatalf("empty partition scan failed: %v", err)
	}
	if stats.processed != 0 {
		t.Fatalf("expected no processed messages, got %+v", stats)
	}
}

func TestScanPartition_IdleTimeout(t *testing.T) {
	cfg := replayConfig{sourceTopic: "pms.dlq", targetTopic: "pms.order.events", limit: 5, idleTimeout: 50 * time.Millisecond}
	client := &stubClient{oldest: 0, newest: 3}
	source := &stubSource{keepOpen: true}

	start := time.Now()
	stats, err := scanPartition(context.Background(), cfg, client, source, nil, 0, cfg.limit)
	if err != nil {
		t.Fatalf("idle scan failed: %v", err)
	}
	if stats.processed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("scan returned before idle timeout")
	}
}

func TestScanPartition_ContextCancelled(t *testing.T) {
	cfg := replayConfig{sourceTopic: "pms.dlq", targetTopic: "pms.order.events", limit: 5, idleTimeout: time.Second}
	client := &stubClient{oldest: 0, newest: 3}
	source := &stubSource{keepOpen: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := scanPartition(ctx, cfg, client, source, nil, 0, cfg.limit); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunReplay_Validation(t *testing.T) {
	cfg := replayConfig{sourceTopic: "pms.dlq", targetTopic: "pms.order.events", limit: 5, idleTimeout: time.Second}

	if err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected error for missing client and consumer")
	}

	cfg.execute = true
	if err := runReplay(context.Background(), cfg, &stubClient{}, &stubSource{}, nil); err == nil {
		t.Fatal("expected error for execute mode without producer")
	}
}

func TestRunReplay_NoPartitions(t *testing.T) {
	cfg := replayConfig{sourceTopic: "pms.dlq", targetTopic: "pms.order.events", limit: 5, idleTimeout: 100 * time.Millisecond}
	client := &stubClient{noPartitions: true}

	if err := runReplay(context.Background(), cfg, client, &stubSource{}, nil); err != nil {
		t.Fatalf("empty topic replay failed: %v", err)
	}
}

func TestRun_UsesStubbedDeps(t *testing.T) {
	oldDeps := newReplayDeps
	defer func() { newReplayDeps = oldDeps }()

	client := &stubClient{oldest: 0, newest: 0}
	source := &stubSource{}
	newReplayDeps = func(replayConfig) (brokerClient, partitionSource, replayProducer, error) {
		return client, source, nil, nil
	}

	cfg := replayConfig{
		brokers:     []string{"stub:9092"},
		sourceTopic: "pms.dlq",
		targetTopic: "pms.order.events",
		limit:       5,
		idleTimeout: 100 * time.Millisecond,
	}

	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run with stubbed deps failed: %v", err)
	}
	if !client.closed || !source.closed {
		t.Fatal("run must close kafka dependencies")
	}
}

// --- stubs ---

type stubClient struct {
	oldest       int64
	newest       int64
	noPartitions bool
	closed       bool
}

func (s *stubClient) GetOffset(_ string, _ int32, marker int64) (int64, error) {
	if marker == sarama.OffsetOldest {
		return s.oldest, nil
	}
	return s.newest, nil
}

func (s *stubClient) Partitions(string) ([]int32, error) {
	if s.noPartitions {
		return nil, nil
	}
	return []int32{0}, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

type stubSource struct {
	messages []*sarama.ConsumerMessage
	keepOpen bool
	closed   bool
}

func (s *stubSource) ConsumePartition(_ string, _ int32, _ int64) (partitionStream, error) {
	messages := make(chan *sarama.ConsumerMessage, len(s.messages)+1)
	for _, msg := range s.messages {
		messages <- msg
	}
	if !s.keepOpen {
		close(messages)
	}
	return &stubStream{messages: messages, errs: make(chan *sarama.ConsumerError)}, nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type stubStream struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
}

func (s *stubStream) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubStream) Errors() <-chan *sarama.ConsumerError     { return s.errs }
func (s *stubStream) Close() error                             { return nil }

type rawPublish struct {
	topic string
	key   string
	value []byte
}

type stubProducer struct {
	sent   []rawPublish
	closed bool
}

func (s *stubProducer) PublishRaw(topic, key string, value []byte) error {
	s.sent = append(s.sent, rawPublish{topic: topic, key: key, value: value})
	return nil
}

func (s *stubProducer) Close() error {
	s.closed = true
	return nil
}
