package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koustreak/filestorage/internal/database"
	"github.com/koustreak/filestorage/internal/errs"
)

// buildPoolConfig parses the DSN and applies the pool settings of cfg.
func buildPoolConfig(cfg *database.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidArgument, "invalid postgres DSN", err)
	}

	poolCfg.MaxConns = withDefault(cfg.MaxConns, poolCfg.MaxConns)
	poolCfg.MinConns = withDefault(cfg.MinConns, poolCfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	return poolCfg, nil
}

// withDefault returns val if non-zero, otherwise returns def
func withDefault(val, def int32) int32 {
	if val == 0 {
		return def
	}
	return val
}
