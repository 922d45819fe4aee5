package sqlblob

import (
	"context"
	"fmt"
	"time"

	"github.com/koustreak/filestorage/internal/database"
	"github.com/koustreak/filestorage/internal/errs"
)

// blobStore is the persistence used by Driver. Containers group the files
// of one bucket.
type blobStore interface {
	CreateContainer(ctx context.Context, container string) error
	DropContainer(ctx context.Context, container string) error
	ContainerExists(ctx context.Context, container string) (bool, error)
	Put(ctx context.Context, container, name string, content []byte) error
	Get(ctx context.Context, container, name string) ([]byte, error)
	Delete(ctx context.Context, container, name string) error
	Has(ctx context.Context, container, name string) (bool, error)
	Copy(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error
	Rename(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error
}

// statements holds the dialect specific SQL of a sqlStore.
type statements struct {
	migrate         []string
	createContainer string
	dropFiles       string
	dropContainer   string
	containerExists string
	upsert          string
	get             string
	delete          string
	has             string
	copy            string
	rename          string
}

func newStatements(d database.Dialect, table string) statements {
	files := d.QuoteIdent(table)
	containers := d.QuoteIdent(table + "_buckets")

	s := statements{
		dropFiles:       fmt.Sprintf("DELETE FROM %s WHERE bucket = ?", files),
		dropContainer:   fmt.Sprintf("DELETE FROM %s WHERE name = ?", containers),
		containerExists: fmt.Sprintf("SELECT 1 FROM %s WHERE name = ?", containers),
		get:             fmt.Sprintf("SELECT content FROM %s WHERE bucket = ? AND name = ?", files),
		delete:          fmt.Sprintf("DELETE FROM %s WHERE bucket = ? AND name = ?", files),
		has:             fmt.Sprintf("SELECT 1 FROM %s WHERE bucket = ? AND name = ?", files),
		rename:          fmt.Sprintf("UPDATE %s SET bucket = ?, name = ?, updated_at = ? WHERE bucket = ? AND name = ?", files),
	}

	switch d {
	case database.DialectMySQL:
		s.migrate = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(255) NOT NULL PRIMARY KEY,
	created_at DATETIME(6) NOT NULL
)`, containers),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bucket VARCHAR(255) NOT NULL,
	name VARCHAR(512) NOT NULL,
	content LONGBLOB NOT NULL,
	size BIGINT NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (bucket, name)
)`, files),
		}
		s.createContainer = fmt.Sprintf("INSERT IGNORE INTO %s (name, created_at) VALUES (?, ?)", containers)
		s.upsert = fmt.Sprintf(`INSERT INTO %s (bucket, name, content, size, updated_at) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE content = VALUES(content), size = VALUES(size), updated_at = VALUES(updated_at)`, files)
		s.copy = fmt.Sprintf(`INSERT INTO %s (bucket, name, content, size, updated_at)
SELECT ?, ?, src.content, src.size, ? FROM (SELECT content, size FROM %s WHERE bucket = ? AND name = ?) AS src
ON DUPLICATE KEY UPDATE content = VALUES(content), size = VALUES(size), updated_at = VALUES(updated_at)`, files, files)
	default:
		s.migrate = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
)`, containers),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bucket TEXT NOT NULL,
	name TEXT NOT NULL,
	content BYTEA NOT NULL,
	size BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bucket, name)
)`, files),
		}
		s.createContainer = fmt.Sprintf("INSERT INTO %s (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING", containers)
		s.upsert = fmt.Sprintf(`INSERT INTO %s (bucket, name, content, size, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (bucket, name) DO UPDATE SET content = EXCLUDED.content, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at`, files)
		s.copy = fmt.Sprintf(`INSERT INTO %s (bucket, name, content, size, updated_at)
SELECT ?, ?, content, size, ? FROM %s WHERE bucket = ? AND name = ?
ON CONFLICT (bucket, name) DO UPDATE SET content = EXCLUDED.content, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at`, files, files)
	}

	rebind := func(q *string) { *q = d.Rebind(*q) }
	for _, q := range []*string{
		&s.createContainer, &s.dropFiles, &s.dropContainer, &s.containerExists,
		&s.upsert, &s.get, &s.delete, &s.has, &s.copy, &s.rename,
	} {
		rebind(q)
	}
	return s
}

// sqlStore keeps blobs in two tables of a SQL database.
type sqlStore struct {
	db   database.DB
	stmt statements
	now  func() time.Time
}

func newSQLStore(db database.DB, table string) *sqlStore {
	return &sqlStore{db: db, stmt: newStatements(db.Dialect(), table), now: time.Now}
}

// Migrate creates the tables when they are missing.
func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, q := range s.stmt.migrate {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) CreateContainer(ctx context.Context, container string) error {
	_, err := s.db.Exec(ctx, s.stmt.createContainer, container, s.now().UTC())
	return err
}

func (s *sqlStore) DropContainer(ctx context.Context, container string) error {
	if _, err := s.db.Exec(ctx, s.stmt.dropFiles, container); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, s.stmt.dropContainer, container)
	return err
}

func (s *sqlStore) ContainerExists(ctx context.Context, container string) (bool, error) {
	return s.exists(ctx, s.stmt.containerExists, container)
}

func (s *sqlStore) Put(ctx context.Context, container, name string, content []byte) error {
	_, err := s.db.Exec(ctx, s.stmt.upsert, container, name, content, int64(len(content)), s.now().UTC())
	return err
}

func (s *sqlStore) Get(ctx context.Context, container, name string) ([]byte, error) {
	var content []byte
	if err := s.db.QueryRow(ctx, s.stmt.get, container, name).Scan(&content); err != nil {
		return nil, err
	}
	return content, nil
}

func (s *sqlStore) Delete(ctx context.Context, container, name string) error {
	_, err := s.db.Exec(ctx, s.stmt.delete, container, name)
	return err
}

func (s *sqlStore) Has(ctx context.Context, container, name string) (bool, error) {
	return s.exists(ctx, s.stmt.has, container, name)
}

func (s *sqlStore) Copy(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error {
	n, err := s.db.Exec(ctx, s.stmt.copy, dstContainer, dstName, s.now().UTC(), srcContainer, srcName)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.ErrKindNotFound, "no blob %q in %q", srcName, srcContainer)
	}
	return nil
}

// Rename replaces the target row, if any, with the source row.
func (s *sqlStore) Rename(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error {
	ok, err := s.Has(ctx, srcContainer, srcName)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "no blob %q in %q", srcName, srcContainer)
	}
	if err := s.Delete(ctx, dstContainer, dstName); err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, s.stmt.rename, dstContainer, dstName, s.now().UTC(), srcContainer, srcName)
	return err
}

func (s *sqlStore) exists(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, q, args...).Scan(&one)
	if errs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
