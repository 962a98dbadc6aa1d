package app

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/service/outbox"
)

func TestCreateEngine_WithoutKafka(t *testing.T) {
	logger := log.WithField("test", "engine-factory")
	deps := NewDependencies(logger)

	engine := CreateEngine(deps, nil)
	if engine == nil {
		t.Fatal("engine should not be nil")
	}

	// Движок должен быть рабочим, а не просто собранным.
	order, err := engine.Create(testCreateCommand())
	if err != nil {
		t.Fatalf("engine.Create failed: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Errorf("expected pending order, got %s", order.Status)
	}
}

func TestCreatePublisher_WithoutKafkaFallsBackToLog(t *testing.T) {
	logger := log.WithField("test", "publisher-factory")

	publisher := createPublisher(DefaultConfig(), nil, logger)
	if publisher == nil {
		t.Fatal("publisher should not be nil")
	}

	if _, ok := publisher.(*outbox.LogPublisher); !ok {
		t.Errorf("expected log publisher without kafka, got %T", publisher)
	}

	if err := publisher.Publish(domain.OutboxMessage{ID: "msg-1", EventType: "order.created"}); err != nil {
		t.Errorf("log publisher must not fail: %v", err)
	}
}
