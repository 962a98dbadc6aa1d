package app

import (
	"reflect"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestParseBrokerList(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"  ,, ", nil},
		{"localhost:9092", []string{"localhost:9092"}},
		{" kafka-1:9092 , kafka-2:9092 ,", []string{"kafka-1:9092", "kafka-2:9092"}},
	}

	for _, tc := range cases {
		got := parseBrokerList(tc.raw)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("parseBrokerList(%q): expected %v, got %v", tc.raw, tc.want, got)
		}
	}
}

func TestInitKafkaProducerWithoutBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	for _, raw := range []string{"", "   ", ",,"} {
		producer, err := initKafkaProducer(raw, logger)
		if err != nil {
			t.Fatalf("brokers %q: expected no error, got %v", raw, err)
		}
		if producer != nil {
			t.Fatalf("brokers %q: expected nil producer", raw)
		}
	}
}

func TestInitKafkaProducerUnreachableBroker(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("invalid-broker:9999", logger)
	if err == nil {
		t.Fatal("expected error for unreachable broker")
	}
	if producer != nil {
		t.Fatal("expected nil producer on error")
	}
}

func TestInitKafkaProducerMultipleUnreachableBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("broker1:9092, broker2:9092 ,broker3:9092", logger)
	if err == nil {
		t.Fatal("expected error for unreachable brokers")
	}
	if producer != nil {
		t.Fatal("expected nil producer on error")
	}
}

func TestCloseKafkaTolerantToNil(t *testing.T) {
	logger := log.WithField("test", "kafka")

	closeKafka(nil, logger)

	producer, _ := initKafkaProducer("localhost:9999", logger)
	closeKafka(producer, logger)
}
