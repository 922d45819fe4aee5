// Package sftp stores buckets as directories on a remote host reached over
// SSH. The connection is opened on first use and shared by every bucket of
// the storage; Storage.Close releases it.
//
// Usage:
//
//	cfg := sftp.DefaultConfig("files.internal", "deploy")
//	cfg.Password = os.Getenv("SFTP_PASSWORD")
//	cfg.BasePath = "/srv/files"
//	storage, err := sftp.NewStorage(cfg)
//	if err != nil { ... }
//	defer storage.Close()
package sftp

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/fishy/rowlock"
	"github.com/google/uuid"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// Type is the storage and bucket type name of this backend.
const Type = "sftp"

func init() {
	filestore.RegisterStorageType(Type, func(_ context.Context, cfg filestore.StorageConfig, log *logger.Logger) (*filestore.Storage, error) {
		c := DefaultConfig("", "")
		if err := filestore.DecodeOptions(cfg.Options, c); err != nil {
			return nil, err
		}
		return NewStorage(c, filestore.WithLogger(log))
	})
}

// fileSystem is the part of an SFTP session the driver uses. Paths are
// slash separated and absolute.
type fileSystem interface {
	Open(name string) (io.ReadCloser, error)
	OpenFile(name string, flag int) (io.WriteCloser, error)
	MkdirAll(name string) error
	Remove(name string) error
	RemoveAll(name string) error
	Rename(oldName, newName string) error
	Stat(name string) (fs.FileInfo, error)
	Chmod(name string, mode fs.FileMode) error
	Close() error
}

// dialFunc opens a session. Tests swap it for a local fake.
type dialFunc func(ctx context.Context) (fileSystem, error)

// session lazily opens and shares one fileSystem.
type session struct {
	mu   sync.Mutex
	dial dialFunc
	fs   fileSystem
}

func (s *session) get(ctx context.Context) (fileSystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fs != nil {
		return s.fs, nil
	}
	fsys, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.fs = fsys
	return fsys, nil
}

// reset drops a broken session so the next call reconnects.
func (s *session) reset(broken fileSystem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fs == broken && broken != nil {
		broken.Close()
		s.fs = nil
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fs == nil {
		return nil
	}
	err := s.fs.Close()
	s.fs = nil
	return err
}

// BucketOptions are the per-bucket settings read from BucketConfig.Options.
type BucketOptions struct {
	// BaseSubPath is the bucket directory relative to Config.BasePath.
	BaseSubPath string `yaml:"base_sub_path"`
}

// NewStorage returns a storage whose buckets default to the sftp type. No
// connection is made until a bucket touches the remote host.
func NewStorage(cfg *Config, opts ...filestore.Option) (*filestore.Storage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newStorage(cfg, func(ctx context.Context) (fileSystem, error) { return dial(ctx, cfg) }, opts...), nil
}

func newStorage(cfg *Config, dial dialFunc, opts ...filestore.Option) *filestore.Storage {
	sess := &session{dial: dial}
	locks := rowlock.NewRowLock(rowlock.MutexNewLocker)

	factory := func(name string, bc filestore.BucketConfig) (filestore.Driver, error) {
		var o BucketOptions
		if err := filestore.DecodeOptions(bc.Options, &o); err != nil {
			return nil, err
		}
		d := &Driver{cfg: cfg, sess: sess, locks: locks, subPath: o.BaseSubPath, fixed: o.BaseSubPath != ""}
		if !d.fixed {
			d.subPath = name
		}
		return d, nil
	}
	opts = append(opts, filestore.WithBucketType(Type, factory), filestore.WithCloser(sess))
	return filestore.NewStorage(Type, opts...)
}

// Driver keeps one bucket in a remote directory.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	cfg   *Config
	sess  *session
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

// Dir returns the remote bucket directory.
func (d *Driver) Dir() string {
	return path.Join(d.cfg.BasePath, d.SubPath())
}

func (d *Driver) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\x00") {
		return "", errs.Newf(errs.ErrKindInvalidArgument, "invalid file name %q", key)
	}
	return path.Join(d.Dir(), clean), nil
}

// do runs fn against the shared session and resets it on connection loss.
func (d *Driver) do(ctx context.Context, fn func(fileSystem) error) error {
	if err := ctx.Err(); err != nil {
		return mapError(err, "operation cancelled")
	}
	fsys, err := d.sess.get(ctx)
	if err != nil {
		return err
	}
	if err := fn(fsys); err != nil {
		if isConnectionLost(err) {
			d.sess.reset(fsys)
		}
		return err
	}
	return nil
}

// --- filestore.Driver implementation ---

func (d *Driver) Create(ctx context.Context) error {
	return d.do(ctx, func(fsys fileSystem) error {
		if err := fsys.MkdirAll(d.Dir()); err != nil {
			return mapError(err, "unable to create bucket directory")
		}
		return nil
	})
}

func (d *Driver) Destroy(ctx context.Context) error {
	return d.do(ctx, func(fsys fileSystem) error {
		if err := fsys.RemoveAll(d.Dir()); err != nil && !os.IsNotExist(err) {
			return mapError(err, "unable to remove bucket directory")
		}
		return nil
	})
}

func (d *Driver) Exists(ctx context.Context) (bool, error) {
	var ok bool
	err := d.do(ctx, func(fsys fileSystem) error {
		info, err := fsys.Stat(d.Dir())
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return mapError(err, "unable to stat bucket directory")
		}
		ok = info.IsDir()
		return nil
	})
	return ok, err
}

// Put uploads into a temporary sibling and renames it over the target.
func (d *Driver) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	target, err := d.path(key)
	if err != nil {
		return 0, err
	}
	d.locks.Lock(target)
	defer d.locks.Unlock(target)

	var n int64
	err = d.do(ctx, func(fsys fileSystem) error {
		if err := fsys.MkdirAll(path.Dir(target)); err != nil {
			return mapError(err, "unable to create directory")
		}
		tmp := path.Join(path.Dir(target), "."+uuid.NewString()+".tmp")
		w, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return mapError(err, "unable to create temporary file")
		}
		n, err = io.Copy(w, r)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err == nil && d.cfg.FilePermission != 0 {
			err = fsys.Chmod(tmp, d.cfg.FilePermission)
		}
		if err == nil {
			err = fsys.Rename(tmp, target)
		}
		if err != nil {
			fsys.Remove(tmp)
			return mapError(err, "unable to write file")
		}
		return nil
	})
	return n, err
}

func (d *Driver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	err = d.do(ctx, func(fsys fileSystem) error {
		info, err := fsys.Stat(p)
		if err != nil {
			return mapError(err, "unable to stat file")
		}
		if info.IsDir() {
			return errs.Newf(errs.ErrKindNotFound, "%q is a directory", key)
		}
		f, err := fsys.Open(p)
		if err != nil {
			return mapError(err, "unable to open file")
		}
		rc = f
		return nil
	})
	return rc, err
}

func (d *Driver) Writer(ctx context.Context, key string, appendMode bool) (io.WriteCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	var wc io.WriteCloser
	err = d.do(ctx, func(fsys fileSystem) error {
		if err := fsys.MkdirAll(path.Dir(p)); err != nil {
			return mapError(err, "unable to create directory")
		}
		w, err := fsys.OpenFile(p, flags)
		if err != nil {
			return mapError(err, "unable to open file for writing")
		}
		wc = w
		return nil
	})
	return wc, err
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	d.locks.Lock(p)
	defer d.locks.Unlock(p)
	return d.do(ctx, func(fsys fileSystem) error {
		if err := fsys.Remove(p); err != nil && !os.IsNotExist(err) {
			return mapError(err, "unable to delete file")
		}
		return nil
	})
}

func (d *Driver) Has(ctx context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	var ok bool
	err = d.do(ctx, func(fsys fileSystem) error {
		info, err := fsys.Stat(p)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return mapError(err, "unable to stat file")
		}
		ok = info.Mode().IsRegular()
		return nil
	})
	return ok, err
}

// RenameTo moves a file on the remote host when dst shares the session.
func (d *Driver) RenameTo(ctx context.Context, srcKey string, dst filestore.Driver, dstKey string) (bool, error) {
	target, ok := dst.(*Driver)
	if !ok || target.sess != d.sess {
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
	return true, d.do(ctx, func(fsys fileSystem) error {
		if _, err := fsys.Stat(from); err != nil {
			return mapError(err, "unable to stat source file")
		}
		if err := fsys.MkdirAll(path.Dir(to)); err != nil {
			return mapError(err, "unable to create directory")
		}
		if err := fsys.Rename(from, to); err != nil {
			return mapError(err, "unable to rename file")
		}
		return nil
	})
}

// URLSegment is the sub path, so URLs mirror the remote layout.
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
