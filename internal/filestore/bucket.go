package filestore

import (
	"context"
)

// Bucket is one named container of files.
//
// Mutating operations return (ok, err). A non-nil err is a structural
// failure (unknown placeholder, unknown bucket, bad argument) and is never
// folded into ok. A backend I/O failure is logged and reported as
// (false, nil) so batch callers can keep going.
type Bucket interface {
	// Name returns the bucket name, unique within its storage.
	Name() string
	// SetName renames the bucket. Only meaningful before registration.
	SetName(name string)
	// Storage returns the owning registry, or nil for a detached bucket.
	Storage() Registry
	// SetStorage attaches the bucket to its owning registry.
	SetStorage(storage Registry)
	// ClearCache drops memoized state such as a positive Exists result.
	ClearCache()

	Create(ctx context.Context) (bool, error)
	Destroy(ctx context.Context) (bool, error)
	Exists(ctx context.Context) (bool, error)

	// SaveFileContent writes content under fileName. Empty content is
	// reported as a failure.
	SaveFileContent(ctx context.Context, fileName string, content []byte) (bool, error)
	// GetFileContent returns the file content, or an errs.ErrKindNotFound error.
	GetFileContent(ctx context.Context, fileName string) ([]byte, error)
	// DeleteFile removes fileName. A missing file still counts as success.
	DeleteFile(ctx context.Context, fileName string) (bool, error)
	FileExists(ctx context.Context, fileName string) (bool, error)

	// CopyFileIn copies a host file into the bucket.
	CopyFileIn(ctx context.Context, srcPath, fileName string) (bool, error)
	// CopyFileOut copies a bucket file to a host path.
	CopyFileOut(ctx context.Context, fileName, destPath string) (bool, error)
	// CopyFileInternal copies between references of the owning storage.
	CopyFileInternal(ctx context.Context, src, dst FileRef) (bool, error)

	// The move variants copy first and only delete the source once the
	// copy succeeded.
	MoveFileIn(ctx context.Context, srcPath, fileName string) (bool, error)
	MoveFileOut(ctx context.Context, fileName, destPath string) (bool, error)
	MoveFileInternal(ctx context.Context, src, dst FileRef) (bool, error)

	// FileURL composes a web URL for fileName from the bucket or storage base URL.
	FileURL(fileName string) (string, error)

	// OpenFile returns a streaming handle. The caller MUST close it.
	OpenFile(ctx context.Context, fileName string, mode OpenMode) (File, error)
}

// Registry is the bucket registry contract shared by Storage and Hub.
type Registry interface {
	// AddBucket registers data under name. data is a Bucket instance, a
	// BucketConfig (value or pointer), a map[string]any config or nil.
	AddBucket(name string, data any) error
	// SetBuckets registers every spec in turn.
	SetBuckets(specs ...BucketSpec) error
	// Bucket returns the named bucket, materializing it on first access.
	Bucket(name string) (Bucket, error)
	// Buckets materializes and returns every bucket by name.
	Buckets() (map[string]Bucket, error)
	// HasBucket reports presence without materializing anything.
	HasBucket(name string) bool
	BaseURL() BaseURL
	SetBaseURL(u BaseURL)
}

// BucketSpec is one entry for SetBuckets.
type BucketSpec struct {
	Name string
	Data any
}

// Bare is a bucket spec with an empty configuration.
func Bare(name string) BucketSpec {
	return BucketSpec{Name: name}
}
