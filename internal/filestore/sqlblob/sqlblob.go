// Package sqlblob keeps bucket content as rows of a PostgreSQL or MySQL
// database. Every bucket of a storage shares one connection pool and one
// pair of tables; the bucket name, or its configured container, scopes the
// rows.
//
// Usage:
//
//	cfg := sqlblob.DefaultConfig(database.DriverPostgres, os.Getenv("BLOB_DSN"))
//	storage, err := sqlblob.NewStorage(ctx, cfg)
//	if err != nil { ... }
//	defer storage.Close()
package sqlblob

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"sync"

	"github.com/fishy/wrapreader"

	"github.com/koustreak/filestorage/internal/database"
	"github.com/koustreak/filestorage/internal/database/mysql"
	"github.com/koustreak/filestorage/internal/database/postgres"
	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// Type is the storage and bucket type name of this backend.
const Type = "sqlblob"

func init() {
	filestore.RegisterStorageType(Type, func(ctx context.Context, cfg filestore.StorageConfig, log *logger.Logger) (*filestore.Storage, error) {
		c := &Config{AutoMigrate: true}
		if err := filestore.DecodeOptions(cfg.Options, c); err != nil {
			return nil, err
		}
		return NewStorage(ctx, c, filestore.WithLogger(log))
	})
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config holds the database connection and table settings.
type Config struct {
	database.Config `yaml:",inline"`

	// Table names the blob table. The bucket table is Table + "_buckets".
	Table string `yaml:"table"`

	// AutoMigrate creates the tables on startup when they are missing.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// DefaultConfig returns a Config with pool defaults and migrations enabled.
func DefaultConfig(driver database.Driver, dsn string) *Config {
	return &Config{
		Config:      *database.DefaultConfig(driver, dsn),
		Table:       "filestore_blobs",
		AutoMigrate: true,
	}
}

func (c *Config) validate() error {
	if c == nil || c.DSN == "" {
		return errs.New(errs.ErrKindInvalidArgument, "sqlblob storage requires a dsn")
	}
	if c.Table == "" {
		c.Table = "filestore_blobs"
	}
	if !tableName.MatchString(c.Table) {
		return errs.Newf(errs.ErrKindInvalidArgument, "invalid table name %q", c.Table)
	}
	switch c.Driver {
	case database.DriverPostgres, database.DriverMySQL:
		return nil
	default:
		return errs.Newf(errs.ErrKindInvalidArgument, "unsupported sqlblob driver %q", c.Driver)
	}
}

// BucketOptions are the per-bucket settings read from BucketConfig.Options.
type BucketOptions struct {
	// Container scopes the rows of the bucket. Defaults to the bucket name.
	Container string `yaml:"container"`
}

// NewStorage connects to the database, migrates it when configured, and
// returns a storage whose buckets default to the sqlblob type.
func NewStorage(ctx context.Context, cfg *Config, opts ...filestore.Option) (*filestore.Storage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	db, err := open(ctx, cfg.Config.WithDefaults())
	if err != nil {
		return nil, err
	}

	store := newSQLStore(db, cfg.Table)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	opts = append(opts, filestore.WithCloser(closer{db}))
	return newStorage(store, opts...), nil
}

func open(ctx context.Context, cfg *database.Config) (database.DB, error) {
	if cfg.Driver == database.DriverMySQL {
		db, err := mysql.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	db, err := postgres.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// closer adapts database.DB to io.Closer.
type closer struct{ db database.DB }

func (c closer) Close() error {
	c.db.Close()
	return nil
}

func newStorage(store blobStore, opts ...filestore.Option) *filestore.Storage {
	factory := func(name string, bc filestore.BucketConfig) (filestore.Driver, error) {
		var o BucketOptions
		if err := filestore.DecodeOptions(bc.Options, &o); err != nil {
			return nil, err
		}
		d := &Driver{store: store, container: o.Container, fixed: o.Container != ""}
		if !d.fixed {
			d.container = name
		}
		return d, nil
	}
	opts = append(opts, filestore.WithBucketType(Type, factory))
	return filestore.NewStorage(Type, opts...)
}

// Driver keeps one bucket as rows of the blob table.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	store blobStore

	mu        sync.RWMutex
	container string
	fixed     bool
}

// SetBucketName follows registry renames unless a container was configured.
func (d *Driver) SetBucketName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fixed {
		d.container = name
	}
}

// Container returns the value of the bucket column for this bucket.
func (d *Driver) Container() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.container
}

// --- filestore.Driver implementation ---

func (d *Driver) Create(ctx context.Context) error {
	return d.store.CreateContainer(ctx, d.Container())
}

func (d *Driver) Destroy(ctx context.Context) error {
	return d.store.DropContainer(ctx, d.Container())
}

func (d *Driver) Exists(ctx context.Context) (bool, error) {
	return d.store.ContainerExists(ctx, d.Container())
}

func (d *Driver) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return 0, errs.Wrap(errs.ErrKindIOFailed, "unable to read content", err)
	}
	if err := d.store.Put(ctx, d.Container(), key, content); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (d *Driver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	content, err := d.store.Get(ctx, d.Container(), key)
	if err != nil {
		return nil, err
	}
	return wrapreader.ReaderToReadCloser(bytes.NewReader(content)), nil
}

// Writer buffers content and stores the row on Close.
func (d *Driver) Writer(ctx context.Context, key string, appendMode bool) (io.WriteCloser, error) {
	w := &writer{ctx: ctx, driver: d, key: key}
	if appendMode {
		content, err := d.store.Get(ctx, d.Container(), key)
		switch {
		case err == nil:
			w.buf.Write(content)
		case !errs.IsNotFound(err):
			return nil, err
		}
	}
	return w, nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	return d.store.Delete(ctx, d.Container(), key)
}

func (d *Driver) Has(ctx context.Context, key string) (bool, error) {
	return d.store.Has(ctx, d.Container(), key)
}

// CopyTo copies rows inside the database when dst uses the same store.
func (d *Driver) CopyTo(ctx context.Context, srcKey string, dst filestore.Driver, dstKey string) (bool, error) {
	target, ok := dst.(*Driver)
	if !ok || target.store != d.store {
		return false, nil
	}
	return true, d.store.Copy(ctx, d.Container(), srcKey, target.Container(), dstKey)
}

// RenameTo rewrites the row key when dst uses the same store.
func (d *Driver) RenameTo(ctx context.Context, srcKey string, dst filestore.Driver, dstKey string) (bool, error) {
	target, ok := dst.(*Driver)
	if !ok || target.store != d.store {
		return false, nil
	}
	return true, d.store.Rename(ctx, d.Container(), srcKey, target.Container(), dstKey)
}

// URLSegment is the container, so URLs stay stable across renames of a
// bucket with a fixed container.
func (d *Driver) URLSegment() string {
	return d.Container()
}

func (d *Driver) FallbackBaseURL() string {
	return ""
}

var (
	_ filestore.Driver    = (*Driver)(nil)
	_ filestore.Copier    = (*Driver)(nil)
	_ filestore.Renamer   = (*Driver)(nil)
	_ filestore.URLHints  = (*Driver)(nil)
	_ filestore.NameAware = (*Driver)(nil)
)

type writer struct {
	ctx    context.Context
	driver *Driver
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errs.New(errs.ErrKindIOFailed, "write on closed file")
	}
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.driver.store.Put(w.ctx, w.driver.Container(), w.key, w.buf.Bytes())
}
