package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
	healthcheck "github.com/procuredash/pms/internal/health"
	"github.com/procuredash/pms/internal/storage/memory"
	"github.com/procuredash/pms/internal/storage/postgres"
)

// StorageDriver определяет бэкенд хранения заявок.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// runtimeDependencies содержит зависимости, собранные под выбранный драйвер.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// initRuntimeDependencies собирает репозитории по cfg.StorageDriver.
// Для postgres выполняет миграции (если включён PostgresAutoMigrate) и
// добавляет health-проверку соединения.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logger.Info("используем in-memory хранилище")
		return runtimeDependencies{
			repo:            memory.NewOrderRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return runtimeDependencies{}, fmt.Errorf("postgres storage driver requires a DSN")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("postgres migrate up: %w", err)
			}
			logger.Info("postgres миграции применены")
		}

		checker := healthcheck.NewSimpleChecker("storage", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		})

		logger.Info("используем postgres хранилище")
		return runtimeDependencies{
			repo:            postgres.NewOrderRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  checker,
			closeFn:         store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
}
