// Package filestore is a uniform file storage facade.
//
// Files live in named buckets, buckets are registered in a Storage, and a
// Hub aggregates several storages behind the same Registry contract.
// Backends (local disk, MinIO, SFTP, SQL blobs, memory) only implement the
// small Driver interface below; the shared Bucket implementation takes care
// of sub-directory templating, URL composition, cross-bucket references and
// the copy/move rules.
//
// Usage:
//
//	storage, err := local.NewStorage(local.DefaultConfig("/var/files"))
//	if err != nil { ... }
//	_ = storage.AddBucket("avatars", filestore.BucketConfig{SubDirTemplate: "{^name}/{^^name}"})
//
//	bucket, err := storage.Bucket("avatars")
//	ok, err := bucket.SaveFileContent(ctx, "54321.png", data) // stored as 5/4/54321.png
package filestore

import (
	"context"
	"io"
)

// Driver is the per-medium half of a bucket. Keys passed to a Driver are
// already resolved (sub-directory applied); the driver maps them onto its
// own layout. Errors should be *errs.Error values; a read of a missing key
// must report errs.ErrKindNotFound.
type Driver interface {
	// Create makes the backing container exist. Must be idempotent.
	Create(ctx context.Context) error

	// Destroy removes the container and everything inside it.
	Destroy(ctx context.Context) error

	// Exists reports whether the backing container exists.
	Exists(ctx context.Context) (bool, error)

	// Put writes the full content of r under key, replacing any previous
	// content, and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens key for reading. The caller MUST close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Writer opens key for streaming writes, appending when appendMode is set.
	Writer(ctx context.Context, key string, appendMode bool) (io.WriteCloser, error)

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)
}

// --- optional driver capabilities ---

// Copier is implemented by drivers that copy between keys without streaming
// the content through the process. handled is false when dst is a driver the
// copier cannot reach natively; the caller then falls back to streaming.
type Copier interface {
	CopyTo(ctx context.Context, srcKey string, dst Driver, dstKey string) (handled bool, err error)
}

// Renamer is implemented by drivers that can move a key natively.
type Renamer interface {
	RenameTo(ctx context.Context, srcKey string, dst Driver, dstKey string) (handled bool, err error)
}

// URLHints lets a driver adjust file URL composition.
type URLHints interface {
	// URLSegment replaces the bucket name appended to a storage-wide base URL.
	URLSegment() string
	// FallbackBaseURL is used when neither the bucket nor the storage has one.
	FallbackBaseURL() string
}

// NameAware drivers derive defaults from the bucket name and are told
// when the registry renames their bucket.
type NameAware interface {
	SetBucketName(name string)
}

// CacheClearer drivers keep per-bucket memoized state.
type CacheClearer interface {
	ClearCache()
}
