package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	logx "cronhub/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS, dialect and logger in package globals.
var migrateMu sync.Mutex

type gooseLogger struct{ log logx.Logger }

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug("migrate", logx.String("msg", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	// goose calls Fatalf only from its CLI paths; surface it without exiting.
	l.log.Error("migrate", logx.String("msg", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func migrate(ctx context.Context, db *sql.DB, dialect string, log logx.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
