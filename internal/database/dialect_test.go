package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		query    string
		expected string
	}{
		{"postgres numbers placeholders", DialectPostgres, "SELECT a FROM t WHERE b = ? AND c = ?", "SELECT a FROM t WHERE b = $1 AND c = $2"},
		{"postgres keeps quoted marks", DialectPostgres, "SELECT '?' FROM t WHERE b = ?", "SELECT '?' FROM t WHERE b = $1"},
		{"mysql untouched", DialectMySQL, "SELECT a FROM t WHERE b = ?", "SELECT a FROM t WHERE b = ?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.dialect.Rebind(tt.query))
		})
	}
}

func TestDialect_QuoteIdent(t *testing.T) {
	assert.Equal(t, `"file""blobs"`, DialectPostgres.QuoteIdent(`file"blobs`))
	assert.Equal(t, "`file``blobs`", DialectMySQL.QuoteIdent("file`blobs"))
	assert.Equal(t, "$3", DialectPostgres.Placeholder(3))
	assert.Equal(t, "?", DialectMySQL.Placeholder(3))
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Driver: DriverMySQL, DSN: "user@/db", MaxConns: 3}.WithDefaults()

	assert.Equal(t, DriverMySQL, cfg.Driver)
	assert.Equal(t, int32(3), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}
