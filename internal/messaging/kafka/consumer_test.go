package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type fakeConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (f *fakeConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (f *fakeConsumerGroup) Errors() <-chan error { return f.errorsCh }

func (f *fakeConsumerGroup) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	if f.errorsCh != nil {
		close(f.errorsCh)
	}
	return nil
}

func (f *fakeConsumerGroup) Pause(map[string][]int32)  {}
func (f *fakeConsumerGroup) Resume(map[string][]int32) {}
func (f *fakeConsumerGroup) PauseAll()                 {}
func (f *fakeConsumerGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (f *fakeSession) Claims() map[string][]int32               { return nil }
func (f *fakeSession) MemberID() string                         { return "member" }
func (f *fakeSession) GenerationID() int32                      { return 1 }
func (f *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (f *fakeSession) Commit()                                  {}
func (f *fakeSession) ResetOffset(string, int32, int64, string) {}
func (f *fakeSession) Context() context.Context                 { return f.ctx }
func (f *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	f.marked = append(f.marked, msg)
}

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (f *fakeClaim) Topic() string                            { return f.topic }
func (f *fakeClaim) Partition() int32                         { return 0 }
func (f *fakeClaim) InitialOffset() int64                     { return 0 }
func (f *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (f *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return f.messages }

func newTestConsumer(handler MessageHandler, dlq *Producer, maxRetries int) *Consumer {
	return &Consumer{
		handler:     handler,
		logger:      log.WithField("test", "consumer"),
		dlqProducer: dlq,
		maxRetries:  maxRetries,
	}
}

func messageWithRetries(retries int) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic: "pms.order.events",
		Key:   []byte("order-1"),
		Value: []byte(`{"event_type":"order.approved"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(retries))},
		},
	}
}

func TestNewConsumerUnreachableBrokers(t *testing.T) {
	noop := func(context.Context, *sarama.ConsumerMessage) error { return nil }

	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, noop); err == nil {
		t.Fatal("expected consumer group error")
	}
	if _, err := NewConsumerWithDLQ([]string{"invalid-broker:9092"}, "group", []string{"topic"}, noop, nil, 3); err == nil {
		t.Fatal("expected consumer group error with dlq")
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &fakeConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(context.Context, []string, sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, 2)
	consumer.consumer = group
	consumer.topics = []string{"pms.order.events"}

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if consumeCalls == 0 {
		t.Fatal("expected at least one consume call")
	}
}

func TestConsumerStopPropagatesCloseError(t *testing.T) {
	errorsCh := make(chan error)
	group := &fakeConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}

	consumer := newTestConsumer(nil, nil, 1)
	consumer.consumer = group
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumerSessionHooks(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestConsumeClaimMarksProcessedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, 1)
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: "pms.order.events", messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- messageWithRetries(0)
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected one committed offset, got %d", len(session.marked))
	}
}

func TestConsumeClaimLeavesFailedMessageUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("failed") }, nil, 3)
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: "pms.order.events", messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- messageWithRetries(0)
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message must not be committed, got %d marks", len(session.marked))
	}
}

func TestProcessRetriesBelowLimit(t *testing.T) {
	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("temporary") }, nil, 3)

	if err := consumer.process(context.Background(), messageWithRetries(1)); err == nil {
		t.Fatal("expected error so the message is retried")
	}
}

func TestProcessExhaustedWithoutDLQ(t *testing.T) {
	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }, nil, 3)

	if err := consumer.process(context.Background(), messageWithRetries(3)); err == nil {
		t.Fatal("expected error when dlq is absent")
	}
}

func TestProcessExhaustedRoutesToDLQ(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var record dlqRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return err
		}
		if record.OriginalTopic != "pms.order.events" || record.ErrorMessage != "permanent" {
			t.Errorf("unexpected dlq record: %+v", record)
		}
		if record.RetryCount != 3 {
			t.Errorf("dlq record must carry retry count, got %d", record.RetryCount)
		}
		return nil
	})

	dlq := &Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}
	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }, dlq, 3)

	if err := consumer.process(context.Background(), messageWithRetries(3)); err != nil {
		t.Fatalf("expected nil after dlq routing, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProcessDLQPublishFailure(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	dlq := &Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}
	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }, dlq, 3)

	if err := consumer.process(context.Background(), messageWithRetries(3)); err == nil {
		t.Fatal("expected dlq publish failure")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRetryCountFrom(t *testing.T) {
	if got := retryCountFrom(messageWithRetries(5)); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}

	invalid := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte(HeaderRetryCount), Value: []byte("bad")},
	}}
	if got := retryCountFrom(invalid); got != 0 {
		t.Fatalf("invalid header must fall back to 0, got %d", got)
	}

	if got := retryCountFrom(&sarama.ConsumerMessage{}); got != 0 {
		t.Fatalf("missing header must fall back to 0, got %d", got)
	}
}

func TestParseLifecycleEvent(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: []byte(`{"event_type":"order.approved","order_id":"o-1","from_status":"pending","to_status":"approved","actor_id":"chef-1","actor_role":"chef"}`)}
	event, err := ParseLifecycleEvent(msg)
	if err != nil {
		t.Fatalf("ParseLifecycleEvent failed: %v", err)
	}
	if event.EventType != EventTypeOrderApproved || event.OrderID != "o-1" {
		t.Fatalf("unexpected event: %+v", event)
	}

	if _, err := ParseLifecycleEvent(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestConsumeClaimStopsOnSessionDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, 1)
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: "pms.order.events", messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after session cancellation")
	}
}
