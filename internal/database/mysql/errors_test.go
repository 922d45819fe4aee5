package mysql

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/koustreak/filestorage/internal/database"
	"github.com/koustreak/filestorage/internal/errs"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.ErrKind
	}{
		{"no rows", sql.ErrNoRows, errs.ErrKindNotFound},
		{"cancelled", context.Canceled, errs.ErrKindTimeout},
		{"access denied", &gomysql.MySQLError{Number: 1045}, errs.ErrKindPermissionDenied},
		{"unknown database", &gomysql.MySQLError{Number: 1049}, errs.ErrKindConnectionFailed},
		{"missing table", &gomysql.MySQLError{Number: 1146}, errs.ErrKindNotFound},
		{"lock wait", &gomysql.MySQLError{Number: 1205}, errs.ErrKindTimeout},
		{"duplicate", &gomysql.MySQLError{Number: 1062}, errs.ErrKindIOFailed},
		{"driver level", errors.New("invalid connection"), errs.ErrKindConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapError(tt.err, "op").Kind)
		})
	}
}

func TestBuildPool_InvalidDSN(t *testing.T) {
	_, err := buildPool(&database.Config{DSN: "not a dsn"})
	assert.True(t, errs.IsInvalidArgument(err))

	db, err := buildPool(database.DefaultConfig(database.DriverMySQL, "user:pass@tcp(localhost:3306)/files"))
	assert.NoError(t, err)
	assert.NoError(t, db.Close())
}
