package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/procuredash/pms/internal/domain"
)

// countingRepo отдаёт заранее заданные размеры удалённых порций.
type countingRepo struct {
	mu        sync.Mutex
	batches   []int
	failWith  error
	callCount int
	lastLimit int
}

func (r *countingRepo) CreateProcessing(string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not used in cleanup tests")
}

func (r *countingRepo) Get(string) (domain.IdempotencyRecord, error) {
	panic("not used in cleanup tests")
}

func (r *countingRepo) MarkDone(string, []byte) error {
	panic("not used in cleanup tests")
}

func (r *countingRepo) MarkFailed(string, []byte) error {
	panic("not used in cleanup tests")
}

func (r *countingRepo) DeleteExpired(_ time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callCount++
	r.lastLimit = limit

	if r.failWith != nil {
		return 0, r.failWith
	}
	if len(r.batches) == 0 {
		return 0, nil
	}
	deleted := r.batches[0]
	r.batches = r.batches[1:]
	return deleted, nil
}

func (r *countingRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callCount
}

var _ domain.IdempotencyRepository = (*countingRepo)(nil)

func TestDeleteExpiredDrainsInBatches(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{batches: []int{2, 2, 1}}
	worker := NewCleanupWorker(repo, WithBatchSize(2))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("expected 5 deleted, got %d", deleted)
	}
	// Две полные порции и одна неполная, завершившая цикл.
	if got := repo.calls(); got != 3 {
		t.Fatalf("expected 3 delete calls, got %d", got)
	}
	if repo.lastLimit != 2 {
		t.Fatalf("expected batch limit 2, got %d", repo.lastLimit)
	}
}

func TestDeleteExpiredZeroBeforeDefaultsToNow(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	if _, err := worker.DeleteExpired(context.Background(), time.Time{}); err != nil {
		t.Fatalf("delete expired with zero before: %v", err)
	}
	if got := repo.calls(); got != 1 {
		t.Fatalf("expected 1 delete call, got %d", got)
	}
}

func TestDeleteExpiredPropagatesRepoError(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{failWith: errors.New("boom")}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected error from repo")
	}
	if deleted != 0 {
		t.Fatalf("expected 0 deleted on error, got %d", deleted)
	}
}

func TestCleanupOptionsNormalizeDefaults(t *testing.T) {
	t.Parallel()

	opts := CleanupOptions{}
	opts.normalize()

	if opts.Interval != defaultSweepInterval {
		t.Fatalf("expected default interval, got %v", opts.Interval)
	}
	if opts.BatchSize != defaultSweepBatchSize {
		t.Fatalf("expected default batch size, got %d", opts.BatchSize)
	}
	if opts.Logger == nil {
		t.Fatal("expected default logger")
	}
}

func TestCleanupRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{}
	worker := NewCleanupWorker(repo,
		WithInterval(5*time.Millisecond),
		WithBatchSize(10),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if repo.calls() == 0 {
		t.Fatal("expected at least one sweep before cancel")
	}
}
