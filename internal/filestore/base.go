package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/logger"
)

const cacheExists = "exists"

var _ Bucket = (*DriverBucket)(nil)

// DriverBucket is the Bucket implementation shared by every backend.
// It owns naming, templating, URL composition and the success/failure
// conventions, and delegates storage I/O to a Driver.
type DriverBucket struct {
	mu       sync.RWMutex
	name     string
	storage  Registry
	template string
	baseURL  BaseURL
	driver   Driver
	root     *logger.Logger
	log      *logger.Logger
	cache    map[string]any
}

// NewBucket builds a standalone bucket. Registries use the same constructor
// when they materialize a configuration, so name and storage are always set
// before the bucket is handed out.
func NewBucket(name string, cfg BucketConfig, d Driver, opts ...Option) *DriverBucket {
	o := newOptions(opts)
	b := &DriverBucket{
		template: cfg.SubDirTemplate,
		baseURL:  cfg.BaseURL,
		driver:   d,
		root:     o.log,
		cache:    map[string]any{},
	}
	b.SetName(name)
	return b
}

func (b *DriverBucket) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

func (b *DriverBucket) SetName(name string) {
	b.mu.Lock()
	b.name = name
	b.log = b.root.With().Str("bucket", name).Logger()
	b.mu.Unlock()

	if na, ok := b.driver.(NameAware); ok {
		na.SetBucketName(name)
	}
}

func (b *DriverBucket) Storage() Registry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.storage
}

func (b *DriverBucket) SetStorage(storage Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storage = storage
}

// Driver exposes the backend half of the bucket.
func (b *DriverBucket) Driver() Driver {
	return b.driver
}

// SubDirTemplate returns the configured sub-directory template.
func (b *DriverBucket) SubDirTemplate() string {
	return b.template
}

// SetBaseURL overrides the storage base URL for this bucket.
func (b *DriverBucket) SetBaseURL(u BaseURL) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseURL = u
}

func (b *DriverBucket) ClearCache() {
	b.mu.Lock()
	b.cache = map[string]any{}
	b.mu.Unlock()

	if cc, ok := b.driver.(CacheClearer); ok {
		cc.ClearCache()
	}
}

// FullName returns the storage key for fileName, sub-directory included.
func (b *DriverBucket) FullName(fileName string) (string, error) {
	return FileNameWithSubDir(b.template, fileName)
}

func (b *DriverBucket) logger() *logger.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log
}

// fail logs a backend failure and converts it into a false result. Keys the
// driver refuses as invalid stay errors.
func (b *DriverBucket) fail(msg string, err error, fields map[string]any) (bool, error) {
	if errs.IsInvalidArgument(err) {
		return false, err
	}
	b.logger().ErrorWith(msg, err, fields)
	return false, nil
}

// --- lifecycle ---

func (b *DriverBucket) Create(ctx context.Context) (bool, error) {
	if err := b.driver.Create(ctx); err != nil {
		return b.fail("unable to create bucket", err, nil)
	}
	b.mu.Lock()
	b.cache[cacheExists] = true
	b.mu.Unlock()
	b.logger().Debug("bucket has been created")
	return true, nil
}

func (b *DriverBucket) Destroy(ctx context.Context) (bool, error) {
	err := b.driver.Destroy(ctx)
	b.ClearCache()
	if err != nil {
		return b.fail("unable to destroy bucket", err, nil)
	}
	b.logger().Debug("bucket has been destroyed")
	return true, nil
}

// Exists caches a positive answer until ClearCache or Destroy.
func (b *DriverBucket) Exists(ctx context.Context) (bool, error) {
	b.mu.RLock()
	cached, _ := b.cache[cacheExists].(bool)
	b.mu.RUnlock()
	if cached {
		return true, nil
	}

	ok, err := b.driver.Exists(ctx)
	if err != nil {
		return b.fail("unable to check bucket existence", err, nil)
	}
	if ok {
		b.mu.Lock()
		b.cache[cacheExists] = true
		b.mu.Unlock()
	}
	return ok, nil
}

// --- file content ---

func (b *DriverBucket) SaveFileContent(ctx context.Context, fileName string, content []byte) (bool, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return false, err
	}
	fields := map[string]any{"file": key}
	if len(content) == 0 {
		b.logger().ErrorWith("unable to save file", errs.New(errs.ErrKindIOFailed, "empty content"), fields)
		return false, nil
	}

	n, err := b.driver.Put(ctx, key, bytes.NewReader(content))
	if err != nil {
		return b.fail("unable to save file", err, fields)
	}
	if n <= 0 {
		return b.fail("unable to save file", errs.New(errs.ErrKindIOFailed, "nothing written"), fields)
	}
	b.logger().DebugWith("file has been saved", fields)
	return true, nil
}

func (b *DriverBucket) GetFileContent(ctx context.Context, fileName string) ([]byte, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return nil, err
	}
	rc, err := b.open(ctx, fileName, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		b.logger().ErrorWith("unable to read file", err, map[string]any{"file": key})
		return nil, errs.Wrap(errs.ErrKindIOFailed, fmt.Sprintf("unable to read file %q", fileName), err)
	}
	b.logger().DebugWith("content of file has been returned", map[string]any{"file": key})
	return content, nil
}

// open fetches key from the driver, keeping NotFound distinct from I/O failures.
func (b *DriverBucket) open(ctx context.Context, fileName, key string) (io.ReadCloser, error) {
	rc, err := b.driver.Get(ctx, key)
	if err == nil {
		return rc, nil
	}
	if errs.IsNotFound(err) {
		return nil, errs.Wrap(errs.ErrKindNotFound,
			fmt.Sprintf("file %q does not exist in bucket %q", fileName, b.Name()), err)
	}
	b.logger().ErrorWith("unable to open file", err, map[string]any{"file": key})
	return nil, errs.Wrap(errs.ErrKindIOFailed, fmt.Sprintf("unable to open file %q", fileName), err)
}

func (b *DriverBucket) DeleteFile(ctx context.Context, fileName string) (bool, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return false, err
	}
	fields := map[string]any{"file": key}
	if err := b.driver.Delete(ctx, key); err != nil {
		return b.fail("unable to delete file", err, fields)
	}
	b.logger().DebugWith("file has been deleted", fields)
	return true, nil
}

func (b *DriverBucket) FileExists(ctx context.Context, fileName string) (bool, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return false, err
	}
	ok, err := b.driver.Has(ctx, key)
	if err != nil {
		return b.fail("unable to check file existence", err, map[string]any{"file": key})
	}
	return ok, nil
}

// --- host copies ---

func (b *DriverBucket) CopyFileIn(ctx context.Context, srcPath, fileName string) (bool, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return false, err
	}
	fields := map[string]any{"src": srcPath, "file": key}

	f, err := os.Open(srcPath)
	if err != nil {
		return b.fail("unable to copy file in", err, fields)
	}
	defer f.Close()

	if _, err := b.driver.Put(ctx, key, f); err != nil {
		return b.fail("unable to copy file in", err, fields)
	}
	b.logger().DebugWith("file has been copied in", fields)
	return true, nil
}

func (b *DriverBucket) CopyFileOut(ctx context.Context, fileName, destPath string) (bool, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return false, err
	}
	fields := map[string]any{"file": key, "dest": destPath}

	rc, err := b.driver.Get(ctx, key)
	if err != nil {
		return b.fail("unable to copy file out", err, fields)
	}
	defer rc.Close()

	if err := writeHostFile(destPath, rc); err != nil {
		return b.fail("unable to copy file out", err, fields)
	}
	b.logger().DebugWith("file has been copied out", fields)
	return true, nil
}

func (b *DriverBucket) MoveFileIn(ctx context.Context, srcPath, fileName string) (bool, error) {
	ok, err := b.CopyFileIn(ctx, srcPath, fileName)
	if !ok || err != nil {
		return ok, err
	}
	if err := os.Remove(srcPath); err != nil {
		return b.fail("unable to remove moved source file", err, map[string]any{"src": srcPath})
	}
	return true, nil
}

func (b *DriverBucket) MoveFileOut(ctx context.Context, fileName, destPath string) (bool, error) {
	ok, err := b.CopyFileOut(ctx, fileName, destPath)
	if !ok || err != nil {
		return ok, err
	}
	return b.DeleteFile(ctx, fileName)
}

// --- bucket to bucket ---

func (b *DriverBucket) CopyFileInternal(ctx context.Context, src, dst FileRef) (bool, error) {
	srcBucket, srcName, dstBucket, dstName, err := resolvePair(b, src, dst)
	if err != nil {
		return false, err
	}
	return copyBetween(ctx, srcBucket, srcName, dstBucket, dstName)
}

func (b *DriverBucket) MoveFileInternal(ctx context.Context, src, dst FileRef) (bool, error) {
	srcBucket, srcName, dstBucket, dstName, err := resolvePair(b, src, dst)
	if err != nil {
		return false, err
	}
	return moveBetween(ctx, srcBucket, srcName, dstBucket, dstName)
}

// --- urls and handles ---

// FileURL composes the public URL of fileName.
func (b *DriverBucket) FileURL(fileName string) (string, error) {
	segment, fallback := b.Name(), ""
	if h, ok := b.driver.(URLHints); ok {
		if s := h.URLSegment(); s != "" {
			segment = s
		}
		fallback = h.FallbackBaseURL()
	}
	return b.ComposeFileURL(fileName, segment, fallback)
}

// ComposeFileURL builds a URL for fileName. A bucket level base URL is used
// as is; a storage level one gets segment (normally the bucket name)
// appended. Route descriptors produce routed links carrying the bucket and
// file names instead.
func (b *DriverBucket) ComposeFileURL(fileName, segment, fallback string) (string, error) {
	b.mu.RLock()
	base, storage, name := b.baseURL, b.storage, b.name
	b.mu.RUnlock()

	own := !base.IsZero()
	if !own && storage != nil {
		base = storage.BaseURL()
	}
	if base.IsZero() && fallback != "" {
		base = PlainURL(fallback)
	}
	if base.Route != nil {
		return base.Route.Build(name, fileName), nil
	}

	subDir, err := ResolveSubDir(b.template, fileName)
	if err != nil {
		return "", err
	}

	u := strings.TrimRight(base.URL, "/")
	if !own {
		u += "/" + escapePath(segment)
	}
	if subDir != "" {
		u += "/" + escapePath(subDir)
	}
	return u + "/" + escapePath(fileName), nil
}

func (b *DriverBucket) OpenFile(ctx context.Context, fileName string, mode OpenMode) (File, error) {
	key, err := b.FullName(fileName)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeRead:
		rc, err := b.open(ctx, fileName, key)
		if err != nil {
			return nil, err
		}
		return ReadOnly(rc), nil
	case ModeWrite, ModeAppend:
		wc, err := b.driver.Writer(ctx, key, mode == ModeAppend)
		if err != nil {
			if errs.IsInvalidArgument(err) {
				return nil, err
			}
			b.logger().ErrorWith("unable to open file", err, map[string]any{"file": key, "mode": mode.String()})
			return nil, errs.Wrap(errs.ErrKindIOFailed, fmt.Sprintf("unable to open file %q", fileName), err)
		}
		return WriteOnly(wc), nil
	default:
		return nil, errs.Newf(errs.ErrKindInvalidArgument, "unsupported open mode %d", mode)
	}
}

// writeHostFile streams r into path, removing the partial file on failure.
func writeHostFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
