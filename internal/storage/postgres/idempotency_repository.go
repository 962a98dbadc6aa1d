package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/procuredash/pms/internal/domain"
)

const (
	sqlIdempotencyInsert = `
		INSERT INTO idempotency_keys (
			key, request_hash, response_body, status, ttl_at, created_at, updated_at
		) VALUES ($1, $2, NULL, $3, $4, $5, $5)`

	sqlIdempotencyGet = `
		SELECT key, request_hash, response_body, status, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1`

	sqlIdempotencyMark = `
		UPDATE idempotency_keys
		SET response_body = $2,
		    status = $3,
		    updated_at = $4
		WHERE key = $1`

	sqlIdempotencyDeleteBatch = `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)`

	sqlIdempotencyDeleteAll = `
		DELETE FROM idempotency_keys
		WHERE ttl_at <= $1`
)

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository:
// хранилище дедупликации команд жизненного цикла заявок.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func (r *idempotencyRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	record := domain.IdempotencyRecord{
		Key:         strings.TrimSpace(key),
		RequestHash: strings.TrimSpace(requestHash),
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
	}
	if record.Key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if record.RequestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.TTLAt.IsZero() {
		record.TTLAt = now.Add(24 * time.Hour)
	}

	ctx, cancel := r.opContext()
	defer cancel()

	_, err := r.db.ExecContext(ctx, sqlIdempotencyInsert,
		record.Key, record.RequestHash, string(record.Status), record.TTLAt, now,
	)
	if err == nil {
		return record, nil
	}
	if !isUniqueViolation(err) {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	// Ключ уже занят: отдаём существующую запись, различая повтор той же
	// команды и конфликт по request hash.
	existing, getErr := r.Get(record.Key)
	if getErr != nil {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if existing.RequestHash != record.RequestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := r.opContext()
	defer cancel()

	var (
		record       domain.IdempotencyRecord
		statusRaw    string
		responseBody []byte
	)
	err := r.db.QueryRowContext(ctx, sqlIdempotencyGet, key).Scan(
		&record.Key,
		&record.RequestHash,
		&responseBody,
		&statusRaw,
		&record.TTLAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", statusRaw, key)
	}
	record.ResponseBody = append([]byte(nil), responseBody...)
	return record, nil
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte) error {
	return r.markStatus(key, domain.IdempotencyStatusDone, responseBody)
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte) error {
	return r.markStatus(key, domain.IdempotencyStatusFailed, responseBody)
}

func (r *idempotencyRepository) markStatus(key string, status domain.IdempotencyStatus, responseBody []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := r.opContext()
	defer cancel()

	res, err := r.db.ExecContext(ctx, sqlIdempotencyMark, key, responseBody, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyNotFound
	}
	return nil
}

func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := r.opContext()
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, sqlIdempotencyDeleteBatch, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, sqlIdempotencyDeleteAll, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
