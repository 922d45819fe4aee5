// Package memory is an in-process filestore backend. Content lives in a
// Store shared by all buckets of one storage, which makes it handy for
// tests and demos.
//
// Usage:
//
//	storage := memory.NewStorage()
//	_ = storage.AddBucket("temp", nil)
//	bucket, _ := storage.Bucket("temp")
//	ok, err := bucket.SaveFileContent(ctx, "a.txt", []byte("hello"))
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fishy/wrapreader"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// Type is the storage and bucket type name of this backend.
const Type = "memory"

func init() {
	filestore.RegisterStorageType(Type, func(_ context.Context, _ filestore.StorageConfig, log *logger.Logger) (*filestore.Storage, error) {
		return NewStorage(filestore.WithLogger(log)), nil
	})
}

// Store holds the content of every bucket of a storage.
type Store struct {
	mu        sync.RWMutex
	buckets   map[string]map[string][]byte
	writeFail error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{buckets: map[string]map[string][]byte{}}
}

// FailWrites makes every subsequent write return err. Pass nil to recover.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeFail = err
}

// Keys lists the keys stored in container, sorted.
func (s *Store) Keys(container string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[container]))
	for k := range s.buckets[container] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewStorage returns a storage whose buckets live in a fresh Store.
func NewStorage(opts ...filestore.Option) *filestore.Storage {
	return NewStorageWithStore(NewStore(), opts...)
}

// NewStorageWithStore is NewStorage over an existing store.
func NewStorageWithStore(store *Store, opts ...filestore.Option) *filestore.Storage {
	factory := func(name string, cfg filestore.BucketConfig) (filestore.Driver, error) {
		var o struct {
			Container string `yaml:"container"`
		}
		if err := filestore.DecodeOptions(cfg.Options, &o); err != nil {
			return nil, err
		}
		return NewDriver(store, name, o.Container), nil
	}
	opts = append(opts, filestore.WithBucketType(Type, factory))
	return filestore.NewStorage(Type, opts...)
}

// Driver is one bucket of a Store.
type Driver struct {
	mu        sync.RWMutex
	store     *Store
	container string
	fixed     bool
}

// NewDriver returns the driver for bucket name. container overrides the key
// used inside the store and defaults to the bucket name.
func NewDriver(store *Store, name, container string) *Driver {
	d := &Driver{store: store, container: container, fixed: container != ""}
	if !d.fixed {
		d.container = name
	}
	return d
}

// SetBucketName follows registry renames unless a container was configured.
func (d *Driver) SetBucketName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fixed {
		d.container = name
	}
}

// Container returns the key of this bucket inside the store.
func (d *Driver) Container() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.container
}

func (d *Driver) Create(_ context.Context) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	if _, ok := d.store.buckets[d.Container()]; !ok {
		d.store.buckets[d.Container()] = map[string][]byte{}
	}
	return nil
}

func (d *Driver) Destroy(_ context.Context) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	delete(d.store.buckets, d.Container())
	return nil
}

func (d *Driver) Exists(_ context.Context) (bool, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	_, ok := d.store.buckets[d.Container()]
	return ok, nil
}

func (d *Driver) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return 0, errs.Wrap(errs.ErrKindIOFailed, "unable to read content", err)
	}
	if err := d.put(key, content); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (d *Driver) put(key string, content []byte) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	if d.store.writeFail != nil {
		return errs.Wrap(errs.ErrKindIOFailed, "write rejected", d.store.writeFail)
	}
	files, ok := d.store.buckets[d.Container()]
	if !ok {
		files = map[string][]byte{}
		d.store.buckets[d.Container()] = files
	}
	files[key] = content
	return nil
}

func (d *Driver) Get(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := d.get(key)
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "no such key %q", key)
	}
	return wrapreader.ReaderToReadCloser(bytes.NewReader(content)), nil
}

func (d *Driver) get(key string) ([]byte, bool) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	content, ok := d.store.buckets[d.Container()][key]
	return content, ok
}

func (d *Driver) Writer(_ context.Context, key string, appendMode bool) (io.WriteCloser, error) {
	w := &writer{driver: d, key: key}
	if appendMode {
		if content, ok := d.get(key); ok {
			w.buf.Write(content)
		}
	}
	return w, nil
}

func (d *Driver) Delete(_ context.Context, key string) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	delete(d.store.buckets[d.Container()], key)
	return nil
}

func (d *Driver) Has(_ context.Context, key string) (bool, error) {
	_, ok := d.get(key)
	return ok, nil
}

// CopyTo copies inside the same store without re-reading through a stream.
func (d *Driver) CopyTo(_ context.Context, srcKey string, dst filestore.Driver, dstKey string) (bool, error) {
	target, ok := dst.(*Driver)
	if !ok || target.store != d.store {
		return false, nil
	}
	content, ok := d.get(srcKey)
	if !ok {
		return true, errs.Newf(errs.ErrKindNotFound, "no such key %q", srcKey)
	}
	return true, target.put(dstKey, content)
}

// List returns the keys starting with prefix, sorted.
func (d *Driver) List(prefix string) []string {
	var keys []string
	for _, k := range d.store.Keys(d.Container()) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// writer buffers content and commits it on Close.
type writer struct {
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
	return w.driver.put(w.key, w.buf.Bytes())
}
