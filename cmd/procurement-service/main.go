package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/app"
)

// Имена переменных окружения сервиса.
const (
	envGRPCAddr                    = "PMS_GRPC_ADDR"
	envMetricsAddr                 = "PMS_METRICS_ADDR"
	envStorageDriver               = "PMS_STORAGE_DRIVER"
	envPostgresDSN                 = "PMS_POSTGRES_DSN"
	envPostgresAutoMigrate         = "PMS_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers                = "PMS_KAFKA_BROKERS"
	envOutboxTopic                 = "PMS_OUTBOX_TOPIC"
	envOutboxPollInterval          = "PMS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "PMS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "PMS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "PMS_OUTBOX_RETRY_DELAY"
	envIdempotencyCleanupInterval  = "PMS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "PMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
)

// envLookup абстрагирует os.LookupEnv для тестов.
type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

// readConfigFromEnv формирует конфигурацию приложения из переменных окружения.
// Невалидные значения не прерывают запуск: остаётся значение по умолчанию,
// а проблема возвращается как warning.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	if v, ok := lookup(envGRPCAddr); ok && strings.TrimSpace(v) != "" {
		cfg.GRPCAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envMetricsAddr); ok && strings.TrimSpace(v) != "" {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = app.StorageDriver(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(envPostgresDSN); ok && strings.TrimSpace(v) != "" {
		cfg.PostgresDSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(envPostgresAutoMigrate); ok {
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envPostgresAutoMigrate, err))
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}
	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = strings.TrimSpace(v)
	}
	if v, ok := lookup(envOutboxTopic); ok && strings.TrimSpace(v) != "" {
		cfg.OutboxTopic = strings.TrimSpace(v)
	}
	if v, ok := lookup(envOutboxPollInterval); ok {
		parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envOutboxPollInterval, err))
		} else {
			cfg.OutboxPollInterval = parsed
		}
	}
	if v, ok := lookup(envOutboxBatchSize); ok {
		parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envOutboxBatchSize, err))
		} else {
			cfg.OutboxBatchSize = parsed
		}
	}
	if v, ok := lookup(envOutboxMaxAttempts); ok {
		parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envOutboxMaxAttempts, err))
		} else {
			cfg.OutboxMaxAttempts = parsed
		}
	}
	if v, ok := lookup(envOutboxRetryDelay); ok {
		parsed, err := parseDuration(v, func(d time.Duration) bool { return d >= 0 }, "must be >= 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envOutboxRetryDelay, err))
		} else {
			cfg.OutboxRetryDelay = parsed
		}
	}
	if v, ok := lookup(envIdempotencyCleanupInterval); ok {
		parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envIdempotencyCleanupInterval, err))
		} else {
			cfg.IdempotencyCleanupInterval = parsed
		}
	}
	if v, ok := lookup(envIdempotencyCleanupBatchSize); ok {
		parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envIdempotencyCleanupBatchSize, err))
		} else {
			cfg.IdempotencyCleanupBatchSize = parsed
		}
	}

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, constraint string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d is out of range: %s", value, constraint)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, constraint string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s is out of range: %s", value, constraint)
	}
	return value, nil
}

func main() {
	setupLogger()

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warnf("конфигурация: %s", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем procurement-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("procurement-service остановлен")
}
