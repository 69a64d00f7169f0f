package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "cronhub/pkg/logx"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var sqliteDialect = dialect{
	name: "sqlite3",
	isUnique: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	q := url.Values{}
	// IMMEDIATE takes the write lock at BEGIN so read-then-write
	// transactions cannot interleave.
	q.Set("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db.DB, sqliteDialect.name, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return newSQLStore(db, sqliteDialect, log), nil
}

// Backup writes a consistent copy of the database to dst with VACUUM INTO.
// Only the sqlite backend supports it.
func (s *sqlStore) Backup(ctx context.Context, dst string) error {
	if s.d.name != sqliteDialect.name {
		return fmt.Errorf("%w: %s", ErrBackupUnsupported, s.d.name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return unavailable("backup", err)
	}
	return nil
}
