package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	logx "cronhub/pkg/logx"
)

var postgresDialect = dialect{
	name:      "postgres",
	forUpdate: " FOR UPDATE",
	isUnique: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, unavailable("open postgres", err)
	}
	if err := migrate(ctx, db.DB, postgresDialect.name, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return newSQLStore(db, postgresDialect, log), nil
}
