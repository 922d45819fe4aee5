// Package minio stores buckets in an S3 compatible object store through
// the MinIO SDK.
//
// Usage:
//
//	cfg := minio.DefaultConfig("localhost:9000", "minioadmin", "minioadmin")
//	storage, err := minio.NewStorage(ctx, cfg)
//	if err != nil { ... }
//	_ = storage.AddBucket("avatars", map[string]any{"url_name": "prod-avatars", "acl": "public-read"})
package minio

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/fishy/wrapreader"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// Type is the storage and bucket type name of this backend.
const Type = "minio"

func init() {
	filestore.RegisterStorageType(Type, func(ctx context.Context, cfg filestore.StorageConfig, log *logger.Logger) (*filestore.Storage, error) {
		c := &Config{}
		if err := filestore.DecodeOptions(cfg.Options, c); err != nil {
			return nil, err
		}
		return NewStorage(ctx, c, filestore.WithLogger(log))
	})
}

// Config holds all settings needed to reach the object store.
type Config struct {
	// Endpoint is the host:port of the storage server.
	// Example: "localhost:9000" for local MinIO.
	Endpoint string `yaml:"endpoint"`

	// AccessKey is the access key ID.
	AccessKey string `yaml:"access_key"`

	// SecretKey is the secret access key.
	SecretKey string `yaml:"secret_key"`

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool `yaml:"use_ssl"`

	// Region is used by region-aware backends (e.g. AWS S3).
	// Leave empty for MinIO.
	Region string `yaml:"region"`

	// SkipPing disables the reachability check done by NewStorage.
	SkipPing bool `yaml:"skip_ping"`
}

// DefaultConfig returns a sensible local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey string) *Config {
	return &Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    false,
	}
}

// BucketOptions are the per-bucket settings read from BucketConfig.Options.
type BucketOptions struct {
	// URLName is the bucket name at the provider. Defaults to the bucket name.
	URLName string `yaml:"url_name"`

	// ACL is sent as x-amz-acl with every upload, e.g. "public-read".
	ACL string `yaml:"acl"`
}

// objectAPI is the part of the MinIO client the driver uses.
type objectAPI interface {
	ListBuckets(ctx context.Context) ([]miniogo.BucketInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts miniogo.MakeBucketOptions) error
	RemoveBucket(ctx context.Context, bucketName string) error
	ListObjects(ctx context.Context, bucketName string, opts miniogo.ListObjectsOptions) <-chan miniogo.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts miniogo.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts miniogo.StatObjectOptions) (miniogo.ObjectInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
	CopyObject(ctx context.Context, dst miniogo.CopyDestOptions, src miniogo.CopySrcOptions) (miniogo.UploadInfo, error)
	EndpointURL() *url.URL
}

// client adapts *miniogo.Client to objectAPI. GetObject stats the object so
// a missing key is reported when opening rather than on the first read.
type client struct {
	*miniogo.Client
}

func (c client) GetObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	obj, err := c.Client.GetObject(ctx, bucketName, objectName, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

// NewStorage connects to the object store and returns a storage whose
// buckets default to the minio type. It calls Ping to validate the
// connection unless cfg.SkipPing is set.
func NewStorage(ctx context.Context, cfg *Config, opts ...filestore.Option) (*filestore.Storage, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errs.New(errs.ErrKindInvalidArgument, "minio storage requires endpoint")
	}
	mc, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "failed to create minio client", err)
	}

	api := client{mc}
	if !cfg.SkipPing {
		if err := ping(ctx, api); err != nil {
			return nil, err
		}
	}
	return newStorage(api, cfg.Region, opts...), nil
}

func newStorage(api objectAPI, region string, opts ...filestore.Option) *filestore.Storage {
	factory := func(name string, bc filestore.BucketConfig) (filestore.Driver, error) {
		var o BucketOptions
		if err := filestore.DecodeOptions(bc.Options, &o); err != nil {
			return nil, err
		}
		return newDriver(api, region, name, o), nil
	}
	opts = append(opts, filestore.WithBucketType(Type, factory))
	return filestore.NewStorage(Type, opts...)
}

// ping verifies the server is reachable by listing buckets.
func ping(ctx context.Context, api objectAPI) error {
	if _, err := api.ListBuckets(ctx); err != nil {
		return mapError(err, "ping failed")
	}
	return nil
}

// Driver keeps one bucket in a provider bucket.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	api    objectAPI
	region string
	acl    string

	mu      sync.RWMutex
	urlName string
	fixed   bool
}

func newDriver(api objectAPI, region, name string, o BucketOptions) *Driver {
	d := &Driver{api: api, region: region, acl: o.ACL, urlName: o.URLName, fixed: o.URLName != ""}
	if !d.fixed {
		d.urlName = name
	}
	return d
}

// SetBucketName follows registry renames unless url_name was set.
func (d *Driver) SetBucketName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fixed {
		d.urlName = name
	}
}

// URLName returns the bucket name used at the provider.
func (d *Driver) URLName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.urlName
}

func (d *Driver) putOptions() miniogo.PutObjectOptions {
	opts := miniogo.PutObjectOptions{}
	if d.acl != "" {
		opts.UserMetadata = map[string]string{"x-amz-acl": d.acl}
	}
	return opts
}

// --- filestore.Driver implementation ---

func (d *Driver) Create(ctx context.Context) error {
	ok, err := d.api.BucketExists(ctx, d.URLName())
	if err != nil {
		return mapError(err, "failed to check bucket")
	}
	if ok {
		return nil
	}
	if err := d.api.MakeBucket(ctx, d.URLName(), miniogo.MakeBucketOptions{Region: d.region}); err != nil {
		return mapError(err, "failed to create bucket")
	}
	return nil
}

// Destroy empties the provider bucket and removes it. A bucket that does
// not exist is already destroyed.
func (d *Driver) Destroy(ctx context.Context) error {
	bucket := d.URLName()
	for obj := range d.api.ListObjects(ctx, bucket, miniogo.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			e := mapError(obj.Err, "failed to list objects")
			if errs.IsNotFound(e) {
				return nil
			}
			return e
		}
		if err := d.api.RemoveObject(ctx, bucket, obj.Key, miniogo.RemoveObjectOptions{}); err != nil {
			return mapError(err, "failed to remove object")
		}
	}
	if err := d.api.RemoveBucket(ctx, bucket); err != nil {
		if e := mapError(err, "failed to remove bucket"); !errs.IsNotFound(e) {
			return e
		}
	}
	return nil
}

func (d *Driver) Exists(ctx context.Context) (bool, error) {
	ok, err := d.api.BucketExists(ctx, d.URLName())
	if err != nil {
		return false, mapError(err, "failed to check bucket")
	}
	return ok, nil
}

func (d *Driver) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	info, err := d.api.PutObject(ctx, d.URLName(), key, r, -1, d.putOptions())
	if err != nil {
		return 0, mapError(err, "failed to put object")
	}
	return info.Size, nil
}

// Get opens a streaming handle to the object at key.
// The caller MUST call Close() after reading.
func (d *Driver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := d.api.GetObject(ctx, d.URLName(), key)
	if err != nil {
		return nil, mapError(err, "failed to get object")
	}
	return wrapreader.Wrap(objectReader{rc}, rc), nil
}

// objectReader reports mid-stream failures as *errs.Error.
type objectReader struct {
	r io.Reader
}

func (o objectReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if err != nil && err != io.EOF {
		return n, mapError(err, "failed to read object")
	}
	return n, err
}

// Writer streams into a single upload. In append mode the current content
// is sent first, since objects cannot be appended to in place.
func (d *Driver) Writer(ctx context.Context, key string, appendMode bool) (io.WriteCloser, error) {
	var existing io.ReadCloser
	if appendMode {
		rc, err := d.Get(ctx, key)
		switch {
		case err == nil:
			existing = rc
		case !errs.IsNotFound(err):
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	w := &uploadWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := d.api.PutObject(ctx, d.URLName(), key, pr, -1, d.putOptions())
		pr.CloseWithError(err)
		w.done <- err
	}()

	if existing != nil {
		defer existing.Close()
		if _, err := io.Copy(pw, existing); err != nil {
			pw.CloseWithError(err)
			<-w.done
			return nil, mapError(err, "failed to copy existing content")
		}
	}
	return w, nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	if err := d.api.RemoveObject(ctx, d.URLName(), key, miniogo.RemoveObjectOptions{}); err != nil {
		if e := mapError(err, "failed to remove object"); !errs.IsNotFound(e) {
			return e
		}
	}
	return nil
}

func (d *Driver) Has(ctx context.Context, key string) (bool, error) {
	_, err := d.api.StatObject(ctx, d.URLName(), key, miniogo.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if e := mapError(err, "failed to stat object"); !errs.IsNotFound(e) {
		return false, e
	}
	return false, nil
}

// CopyTo copies server side when dst lives on the same object store.
func (d *Driver) CopyTo(ctx context.Context, srcKey string, dst filestore.Driver, dstKey string) (bool, error) {
	target, ok := dst.(*Driver)
	if !ok || target.api != d.api {
		return false, nil
	}
	_, err := d.api.CopyObject(ctx,
		miniogo.CopyDestOptions{Bucket: target.URLName(), Object: dstKey},
		miniogo.CopySrcOptions{Bucket: d.URLName(), Object: srcKey},
	)
	if err != nil {
		return true, mapError(err, "failed to copy object")
	}
	return true, nil
}

// URLSegment is the provider bucket name, giving path-style object URLs.
func (d *Driver) URLSegment() string {
	return d.URLName()
}

// FallbackBaseURL is the object store endpoint.
func (d *Driver) FallbackBaseURL() string {
	u := d.api.EndpointURL()
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// uploadWriter feeds a PutObject running in the background.
type uploadWriter struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close finishes the upload and reports its result.
func (w *uploadWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.pw.Close()
	if err := <-w.done; err != nil {
		w.err = mapError(err, "failed to put object")
	}
	return w.err
}

var (
	_ filestore.Driver    = (*Driver)(nil)
	_ filestore.Copier    = (*Driver)(nil)
	_ filestore.URLHints  = (*Driver)(nil)
	_ filestore.NameAware = (*Driver)(nil)
)
