package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsDir = "sql/migrations"

	// Advisory-lock ключ мигратора: "pms" в ASCII (0x706D73) + номер схемы.
	// Ключ собственный, чтобы не пересекаться с другими сервисами на общей базе.
	migrationLockKey = int64(0x706D7301)

	// Таблица состояния миграций процурмент-сервиса.
	migrationStateDDL = `
CREATE TABLE IF NOT EXISTS pms_schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

	migrationLockTimeout = 5 * time.Second
)

// schemaMigration — пара up/down SQL-скриптов одной версии схемы.
type schemaMigration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrateUp применяет недостающие up-миграции в порядке версий.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		plan, err := loadMigrationsFromFS(migrationsFS)
		if err != nil {
			return err
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		done := 0
		for _, m := range plan {
			if applied[m.Version] {
				continue
			}
			if err := applyMigrationStep(ctx, conn, m, true); err != nil {
				return err
			}
			done++
			if steps > 0 && done >= steps {
				break
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних применённых миграций.
// steps<=0 интерпретируется как 1 шаг для безопасного поведения.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}

	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		plan, err := loadMigrationsFromFS(migrationsFS)
		if err != nil {
			return err
		}
		byVersion := make(map[int64]schemaMigration, len(plan))
		for _, m := range plan {
			byVersion[m.Version] = m
		}

		versions, err := newestApplied(ctx, conn, steps)
		if err != nil {
			return err
		}

		for _, version := range versions {
			m, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("cannot rollback unknown migration version %d", version)
			}
			if err := applyMigrationStep(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает текущую версию схемы и количество применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationStateDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration state table: %w", err)
	}

	var (
		version int64
		count   int
	)
	err := s.db.QueryRowContext(queryCtx, `
		SELECT COALESCE(MAX(version), 0), COUNT(*)
		FROM pms_schema_migrations
	`).Scan(&version, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

// withMigrationLock выполняет fn на выделенном соединении под advisory-lock,
// чтобы конкурентные экземпляры сервиса не мигрировали схему одновременно.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, migrationStateDDL); err != nil {
		return fmt.Errorf("ensure migration state table: %w", err)
	}

	return fn(conn)
}

// applyMigrationStep выполняет SQL миграции и изменение строки состояния
// одной транзакцией: либо схема и отметка меняются вместе, либо никак.
func applyMigrationStep(ctx context.Context, conn *sql.Conn, m schemaMigration, up bool) error {
	direction := "down"
	body := m.DownSQL
	if up {
		direction = "up"
		body = m.UpSQL
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %d_%s: %w", direction, m.Version, m.Name, err)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s migration %d_%s: %w", direction, m.Version, m.Name, err)
	}

	var record string
	if up {
		record = `INSERT INTO pms_schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`
	} else {
		record = `DELETE FROM pms_schema_migrations WHERE version = $1`
	}
	args := []any{m.Version}
	if up {
		args = append(args, m.Name)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %d_%s: %w", direction, m.Version, m.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %d_%s: %w", direction, m.Version, m.Name, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM pms_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func newestApplied(ctx context.Context, conn *sql.Conn, limit int) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT version
		FROM pms_schema_migrations
		ORDER BY version DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query newest applied migrations: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan newest applied version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate newest applied versions: %w", err)
	}
	return versions, nil
}

// loadMigrationsFromFS собирает пары up/down из каталога миграций.
// Имя файла: <версия>_<имя>.<up|down>.sql, например 0001_create_orders.up.sql.
func loadMigrationsFromFS(fsys fs.FS) ([]schemaMigration, error) {
	files, err := fs.Glob(fsys, migrationsDir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migration files: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*schemaMigration)
	for _, file := range files {
		version, name, up, err := parseMigrationFilename(path.Base(file))
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", path.Base(file))
		}

		m, ok := byVersion[version]
		if !ok {
			m = &schemaMigration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		if up {
			if m.UpSQL != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", version)
			}
			m.UpSQL = body
		} else {
			if m.DownSQL != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			m.DownSQL = body
		}
	}

	plan := make([]schemaMigration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", m.Version, m.Name)
		}
		plan = append(plan, *m)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

// parseMigrationFilename разбирает имя вида 0001_create_orders.up.sql.
func parseMigrationFilename(base string) (version int64, name string, up bool, err error) {
	stem, ok := strings.CutSuffix(base, ".sql")
	if !ok {
		return 0, "", false, fmt.Errorf("invalid migration file name: %s", base)
	}

	stem, direction, ok := cutLast(stem, ".")
	if !ok || (direction != "up" && direction != "down") {
		return 0, "", false, fmt.Errorf("invalid migration direction in file name: %s", base)
	}

	versionRaw, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err = strconv.ParseInt(versionRaw, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("invalid migration version in file name: %s", base)
	}

	return version, name, direction == "up", nil
}

// cutLast делит строку по последнему вхождению разделителя.
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
