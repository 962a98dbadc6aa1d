// migrate управляет схемой PostgreSQL закупочного сервиса: применяет и
// откатывает миграции, показывает текущую версию схемы.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/procuredash/pms/internal/storage/postgres"
)

const commandTimeout = 30 * time.Second

type options struct {
	direction string
	steps     int
	dsn       string
}

// parseOptions разбирает флаги и подставляет DSN из окружения, если флаг пуст.
func parseOptions(args []string, lookupEnv func(string) (string, bool)) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)

	var opts options
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: PMS_POSTGRES_DSN)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		if env, ok := lookupEnv("PMS_POSTGRES_DSN"); ok {
			opts.dsn = strings.TrimSpace(env)
		}
	}
	if opts.dsn == "" {
		return options{}, errors.New("postgres dsn is required (-dsn or PMS_POSTGRES_DSN)")
	}

	return opts, nil
}

// run выполняет команду и печатает итоговое состояние схемы.
func run(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "status":
		// Только отчёт ниже.
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	fmt.Fprintf(out, "%s ok: schema version=%d applied=%d\n", opts.direction, version, count)
	return nil
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
