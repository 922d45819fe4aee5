package filestore

import (
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/logger"
)

// BucketConfig is the declarative form of a bucket.
type BucketConfig struct {
	// Type overrides the storage's default bucket type.
	Type string `yaml:"type,omitempty"`

	// SubDirTemplate spreads files over sub-directories, e.g. "{^name}/{^^name}".
	SubDirTemplate string `yaml:"file_sub_dir_template,omitempty"`

	// BaseURL overrides the storage-wide base URL for this bucket.
	BaseURL BaseURL `yaml:"base_url,omitempty"`

	// Options holds backend specific settings (base_sub_path, url_name, acl, …).
	Options map[string]any `yaml:",inline"`
}

// StorageConfig is the declarative form of a storage, as found in a hub
// configuration file.
type StorageConfig struct {
	// Type selects the backend registered with RegisterStorageType.
	Type string `yaml:"type"`

	// BaseURL is the storage-wide default for file URLs.
	BaseURL BaseURL `yaml:"base_url,omitempty"`

	// Buckets is either a name→config mapping or a list of bare names.
	Buckets any `yaml:"buckets,omitempty"`

	// Options holds backend specific connection settings.
	Options map[string]any `yaml:",inline"`
}

// DecodeOptions copies a loosely typed option map into a typed struct using
// its yaml tags. Backends use it to read their settings out of Options.
func DecodeOptions(src any, dst any) error {
	if src == nil {
		return nil
	}
	raw, err := yaml.Marshal(src)
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidArgument, "unable to encode options", err)
	}
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return errs.Wrap(errs.ErrKindInvalidArgument, "unable to decode options", err)
	}
	return nil
}

// Option configures a Storage, a Hub or a standalone bucket.
type Option func(*options)

type options struct {
	log         *logger.Logger
	baseURL     BaseURL
	bucketTypes map[string]BucketFactory
	closers     []io.Closer
}

func newOptions(opts []Option) *options {
	o := &options{bucketTypes: map[string]BucketFactory{}}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	return o
}

// WithLogger sets the logger. Buckets get a child logger tagged with their name.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithBaseURL sets the initial base URL.
func WithBaseURL(u BaseURL) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithBucketType registers a bucket factory on a Storage.
func WithBucketType(bucketType string, factory BucketFactory) Option {
	return func(o *options) {
		o.bucketTypes[bucketType] = factory
	}
}

// WithCloser registers a resource released by Storage.Close.
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, c)
	}
}
