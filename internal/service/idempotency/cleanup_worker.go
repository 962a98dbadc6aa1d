// Package idempotency содержит фоновую очистку просроченных idempotency-ключей
// create-команд: записи живут ограниченный TTL и удаляются порциями, чтобы
// не держать хранилище под длинной блокировкой.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 500
)

var (
	idempotencyCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pms_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	idempotencyCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pms_idempotency_cleanup_deleted_total",
		Help: "Total number of deleted expired idempotency records.",
	})
	idempotencyCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pms_idempotency_cleanup_last_deleted",
		Help: "Number of deleted records during the last cleanup run.",
	})
)

// CleanupOptions задаёт параметры воркера очистки.
type CleanupOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

func (o *CleanupOptions) normalize() {
	if o.Logger == nil {
		o.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if o.Interval <= 0 {
		o.Interval = defaultSweepInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultSweepBatchSize
	}
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

// WithInterval задаёт интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithBatchSize задаёт размер порции одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// CleanupWorker периодически удаляет просроченные idempotency-записи.
type CleanupWorker struct {
	repo domain.IdempotencyRepository
	opts CleanupOptions
}

// NewCleanupWorker создаёт воркер очистки поверх репозитория ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{}
	for _, option := range options {
		option(&opts)
	}
	opts.normalize()

	return &CleanupWorker{repo: repo, opts: opts}
}

// Run выполняет очистку сразу при старте, затем по тикеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.opts.Logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep — один цикл очистки с отчётом в метрики.
func (w *CleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		idempotencyCleanupRunsTotal.WithLabelValues("error").Inc()
		w.opts.Logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	idempotencyCleanupRunsTotal.WithLabelValues("ok").Inc()
	idempotencyCleanupLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.opts.Logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
}

// DeleteExpired удаляет записи с ttl <= before порциями BatchSize, пока
// репозиторий возвращает полные порции.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.opts.BatchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			idempotencyCleanupDeletedTotal.Add(float64(deleted))
		}
		if deleted < w.opts.BatchSize {
			return total, nil
		}
	}
}
