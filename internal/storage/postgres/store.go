package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// PoolSettings задаёт параметры пула соединений. Значения по умолчанию
// подобраны под профиль закупочного дашборда: короткие запросы, умеренная
// конкурентность движка и фоновых воркеров (outbox relay, cleanup).
type PoolSettings struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultPoolSettings возвращает настройки пула по умолчанию.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		MaxOpenConns:    16,
		MaxIdleConns:    8,
		ConnMaxLifetime: 45 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

func (p PoolSettings) normalize() PoolSettings {
	defaults := DefaultPoolSettings()
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = defaults.MaxOpenConns
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = defaults.MaxIdleConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if p.PingTimeout <= 0 {
		p.PingTimeout = defaults.PingTimeout
	}
	return p
}

// Store владеет SQL-подключением к PostgreSQL; поверх него строятся
// репозитории заявок, outbox и idempotency-ключей.
type Store struct {
	db          *sql.DB
	pingTimeout time.Duration
}

// Open открывает подключение с настройками пула по умолчанию.
func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenWithSettings(ctx, dsn, DefaultPoolSettings())
}

// OpenWithSettings открывает подключение к PostgreSQL через pgx stdlib драйвер,
// применяет настройки пула и проверяет доступность базы.
func OpenWithSettings(ctx context.Context, dsn string, settings PoolSettings) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	settings = settings.normalize()
	db.SetMaxOpenConns(settings.MaxOpenConns)
	db.SetMaxIdleConns(settings.MaxIdleConns)
	db.SetConnMaxLifetime(settings.ConnMaxLifetime)
	db.SetConnMaxIdleTime(settings.ConnMaxIdleTime)

	store := &Store{db: db, pingTimeout: settings.PingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	timeout := s.pingTimeout
	if timeout <= 0 {
		timeout = DefaultPoolSettings().PingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
