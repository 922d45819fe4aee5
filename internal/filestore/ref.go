package filestore

import (
	"fmt"

	"github.com/koustreak/filestorage/internal/errs"
)

// FileRef points at a file either in the bucket an operation runs on
// (Local) or in another bucket of the same storage (Remote).
type FileRef struct {
	Bucket string // empty for Local references
	Name   string
}

// Local references fileName inside the bucket the operation is invoked on.
func Local(fileName string) FileRef {
	return FileRef{Name: fileName}
}

// Remote references fileName inside the named bucket of the owning storage.
func Remote(bucket, fileName string) FileRef {
	return FileRef{Bucket: bucket, Name: fileName}
}

// IsRemote reports whether the reference names a bucket explicitly.
func (r FileRef) IsRemote() bool {
	return r.Bucket != ""
}

func (r FileRef) String() string {
	if r.IsRemote() {
		return fmt.Sprintf("%s:%s", r.Bucket, r.Name)
	}
	return r.Name
}

// ResolveRef returns the bucket holding ref and the file name inside it.
// Remote references are looked up through self's owning storage, which may
// materialize the target bucket. A remote reference naming self resolves to
// self without touching the registry.
func ResolveRef(self Bucket, ref FileRef) (Bucket, string, error) {
	if !ref.IsRemote() || ref.Bucket == self.Name() {
		return self, ref.Name, nil
	}
	storage := self.Storage()
	if storage == nil {
		return nil, "", errs.Newf(errs.ErrKindInvalidArgument,
			"bucket %q is not attached to a storage, cannot resolve %q", self.Name(), ref)
	}
	target, err := storage.Bucket(ref.Bucket)
	if err != nil {
		return nil, "", err
	}
	return target, ref.Name, nil
}
