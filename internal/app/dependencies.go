package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/storage/memory"
)

// Dependencies содержит зависимости движка жизненного цикла заявок.
type Dependencies struct {
	Repo            domain.OrderRepository
	OutboxRepo      domain.OutboxRepository
	IdempotencyRepo domain.IdempotencyRepository
	Logger          *log.Entry
}

// NewDependencies создаёт зависимости с in-memory хранилищем.
// Подходит для тестов, демо-сценариев и локальной разработки.
func NewDependencies(logger *log.Entry) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	return &Dependencies{
		Repo:            memory.NewOrderRepository(),
		OutboxRepo:      memory.NewOutboxRepository(),
		IdempotencyRepo: memory.NewIdempotencyRepository(),
		Logger:          logger,
	}
}
