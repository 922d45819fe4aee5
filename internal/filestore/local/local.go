// Package local stores buckets as directories on the local filesystem.
//
// Every bucket lives under Config.BasePath in its own sub-directory, named
// after the bucket unless the bucket sets base_sub_path. The same sub path is
// used when composing file URLs.
//
// Usage:
//
//	storage, err := local.NewStorage(local.DefaultConfig("/var/files"))
//	if err != nil { ... }
//	_ = storage.AddBucket("avatars", map[string]any{"file_sub_dir_template": "{^name}"})
package local

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fishy/rowlock"
	"github.com/google/uuid"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// Type is the storage and bucket type name of this backend.
const Type = "local"

func init() {
	filestore.RegisterStorageType(Type, func(_ context.Context, cfg filestore.StorageConfig, log *logger.Logger) (*filestore.Storage, error) {
		c := DefaultConfig("")
		if err := filestore.DecodeOptions(cfg.Options, c); err != nil {
			return nil, err
		}
		return NewStorage(c, filestore.WithLogger(log))
	})
}

// Config holds the storage wide settings of the local backend.
type Config struct {
	// BasePath is the directory holding every bucket. Required.
	BasePath string `yaml:"base_path"`

	// FilePermission is applied to every written file.
	FilePermission fs.FileMode `yaml:"file_permission"`

	// DirPermission is applied to created directories. Defaults to
	// FilePermission with the execute bits added.
	DirPermission fs.FileMode `yaml:"dir_permission"`
}

// DefaultConfig returns a Config with sensible permissions.
func DefaultConfig(basePath string) *Config {
	return &Config{
		BasePath:       basePath,
		FilePermission: 0o644,
	}
}

func (c *Config) dirPermission() fs.FileMode {
	if c.DirPermission != 0 {
		return c.DirPermission
	}
	perm := c.FilePermission
	// Directories need execute wherever they are readable.
	return perm | (perm&0o444)>>2
}

// BucketOptions are the per-bucket settings read from BucketConfig.Options.
type BucketOptions struct {
	// BaseSubPath is the bucket directory relative to Config.BasePath.
	BaseSubPath string `yaml:"base_sub_path"`
}

// NewStorage returns a storage whose buckets default to the local type.
func NewStorage(cfg *Config, opts ...filestore.Option) (*filestore.Storage, error) {
	if cfg == nil || cfg.BasePath == "" {
		return nil, errs.New(errs.ErrKindInvalidArgument, "local storage requires base_path")
	}
	if cfg.FilePermission == 0 {
		cfg.FilePermission = DefaultConfig("").FilePermission
	}
	locks := rowlock.NewRowLock(rowlock.MutexNewLocker)

	factory := func(name string, bc filestore.BucketConfig) (filestore.Driver, error) {
		var o BucketOptions
		if err := filestore.DecodeOptions(bc.Options, &o); err != nil {
			return nil, err
		}
		return newDriver(cfg, locks, name, o.BaseSubPath), nil
	}
	opts = append(opts, filestore.WithBucketType(Type, factory))
	return filestore.NewStorage(Type, opts...), nil
}

// NewDriver returns a standalone driver rooted at cfg.BasePath/subPath.
// An empty subPath follows the bucket name.
func NewDriver(cfg *Config, name, subPath string) *Driver {
	return newDriver(cfg, rowlock.NewRowLock(rowlock.MutexNewLocker), name, subPath)
}

func newDriver(cfg *Config, locks *rowlock.RowLock, name, subPath string) *Driver {
	d := &Driver{cfg: cfg, locks: locks, subPath: subPath, fixed: subPath != ""}
	if !d.fixed {
		d.subPath = name
	}
	return d
}

// Driver keeps one bucket in a directory.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	cfg   *Config
	locks *rowlock.RowLock

	mu      sync.RWMutex
	subPath string
	fixed   bool
}

// SetBucketName follows registry renames unless base_sub_path was set.
func (d *Driver) SetBucketName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fixed {
		d.subPath = name
	}
}

// SubPath returns the bucket directory relative to the base path.
func (d *Driver) SubPath() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subPath
}

// Dir returns the absolute bucket directory.
func (d *Driver) Dir() string {
	return filepath.Join(d.cfg.BasePath, filepath.FromSlash(d.SubPath()))
}

// path maps key onto the filesystem, refusing keys that escape the bucket.
func (d *Driver) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errs.Newf(errs.ErrKindInvalidArgument, "invalid file name %q", key)
	}
	return filepath.Join(d.Dir(), clean), nil
}

// --- filestore.Driver implementation ---

func (d *Driver) Create(_ context.Context) error {
	if err := os.MkdirAll(d.Dir(), d.cfg.dirPermission()); err != nil {
		return mapError(err, "unable to create bucket directory")
	}
	return nil
}

func (d *Driver) Destroy(_ context.Context) error {
	if err := os.RemoveAll(d.Dir()); err != nil {
		return mapError(err, "unable to remove bucket directory")
	}
	return nil
}

func (d *Driver) Exists(_ context.Context) (bool, error) {
	info, err := os.Stat(d.Dir())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err, "unable to stat bucket directory")
	}
	return info.IsDir(), nil
}

// Put writes into a temporary sibling file and renames it over the target,
// so readers never observe a partial file.
func (d *Driver) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	target, err := d.path(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, mapError(err, "put cancelled")
	}
	d.locks.Lock(target)
	defer d.locks.Unlock(target)

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, d.cfg.dirPermission()); err != nil {
		return 0, mapError(err, "unable to create directory")
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, d.cfg.FilePermission)
	if err != nil {
		return 0, mapError(err, "unable to create temporary file")
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err == nil {
		err = os.Chmod(tmp, d.cfg.FilePermission)
	}
	if err == nil {
		err = os.Rename(tmp, target)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, mapError(err, "unable to write file")
	}
	return n, nil
}

func (d *Driver) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapError(err, "unable to open file")
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, errs.Newf(errs.ErrKindNotFound, "%q is a directory", key)
	}
	return f, nil
}

func (d *Driver) Writer(_ context.Context, key string, appendMode bool) (io.WriteCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), d.cfg.dirPermission()); err != nil {
		return nil, mapError(err, "unable to create directory")
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(p, flags, d.cfg.FilePermission)
	if err != nil {
		return nil, mapError(err, "unable to open file for writing")
	}
	return f, nil
}

func (d *Driver) Delete(_ context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	d.locks.Lock(p)
	defer d.locks.Unlock(p)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return mapError(err, "unable to delete file")
	}
	return nil
}

func (d *Driver) Has(_ context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err, "unable to stat file")
	}
	return info.Mode().IsRegular(), nil
}

// RenameTo moves a file natively when dst is another local bucket on the
// same filesystem. Cross-device renames fall back to copy and delete.
func (d *Driver) RenameTo(_ context.Context, srcKey string, dst filestore.Driver, dstKey string) (bool, error) {
	target, ok := dst.(*Driver)
	if !ok {
		return false, nil
	}
	from, err := d.path(srcKey)
	if err != nil {
		return true, err
	}
	to, err := target.path(dstKey)
	if err != nil {
		return true, err
	}
	if _, err := os.Stat(from); err != nil {
		return true, mapError(err, "unable to stat source file")
	}
	if err := os.MkdirAll(filepath.Dir(to), target.cfg.dirPermission()); err != nil {
		return true, mapError(err, "unable to create directory")
	}

	target.locks.Lock(to)
	defer target.locks.Unlock(to)
	if err := os.Rename(from, to); err != nil {
		if isCrossDevice(err) {
			return false, nil
		}
		return true, mapError(err, "unable to rename file")
	}
	return true, nil
}

// URLSegment is the sub path, so URLs mirror the directory layout.
func (d *Driver) URLSegment() string {
	return d.SubPath()
}

func (d *Driver) FallbackBaseURL() string {
	return ""
}

var (
	_ filestore.Driver    = (*Driver)(nil)
	_ filestore.Renamer   = (*Driver)(nil)
	_ filestore.URLHints  = (*Driver)(nil)
	_ filestore.NameAware = (*Driver)(nil)
)
