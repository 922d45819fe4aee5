package mysql

import (
	"database/sql"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/koustreak/filestorage/internal/database"
	"github.com/koustreak/filestorage/internal/errs"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// buildPool parses the DSN and returns a *sql.DB with pool settings applied.
// Blob columns come back as []byte and timestamps as time.Time.
func buildPool(cfg *database.Config) (*sql.DB, error) {
	mc, err := gomysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidArgument, "invalid mysql DSN", err)
	}
	mc.ParseTime = true
	if cfg.ConnectTimeout > 0 {
		mc.Timeout = cfg.ConnectTimeout
	}

	connector, err := gomysql.NewConnector(mc)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidArgument, "invalid mysql config", err)
	}
	db := sql.OpenDB(connector)

	// Pool settings
	maxOpen := int(cfg.MaxConns)
	if maxOpen == 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := int(cfg.MinConns)
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(durationOr(cfg.MaxConnLifetime, defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(durationOr(cfg.MaxConnIdleTime, defaultConnMaxIdleTime))

	return db, nil
}

func durationOr(val, def time.Duration) time.Duration {
	if val == 0 {
		return def
	}
	return val
}
