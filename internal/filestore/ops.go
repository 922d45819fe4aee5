package filestore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fishy/errbatch"

	"github.com/koustreak/filestorage/internal/errs"
)

// batchWorkers bounds the goroutines used by the batch helpers.
const batchWorkers = 8

func resolvePair(self Bucket, src, dst FileRef) (Bucket, string, Bucket, string, error) {
	srcBucket, srcName, err := ResolveRef(self, src)
	if err != nil {
		return nil, "", nil, "", err
	}
	dstBucket, dstName, err := ResolveRef(self, dst)
	if err != nil {
		return nil, "", nil, "", err
	}
	return srcBucket, srcName, dstBucket, dstName, nil
}

// sameFile reports whether copying or moving name onto itself succeeds,
// which requires the file to exist.
func sameFile(ctx context.Context, b Bucket, name string) (bool, error) {
	ok, err := b.FileExists(ctx, name)
	if err != nil || ok {
		return ok, err
	}
	if db, isDriver := b.(*DriverBucket); isDriver {
		db.logger().ErrorWith("unable to copy file", errs.Newf(errs.ErrKindNotFound, "file %q does not exist", name),
			map[string]any{"file": name})
	}
	return false, nil
}

// copyBetween copies a file between two buckets, natively when both are
// driver backed and the source driver supports it.
func copyBetween(ctx context.Context, src Bucket, srcName string, dst Bucket, dstName string) (bool, error) {
	if src == dst && srcName == dstName {
		return sameFile(ctx, src, srcName)
	}

	sb, srcOK := src.(*DriverBucket)
	db, dstOK := dst.(*DriverBucket)
	if !srcOK || !dstOK {
		return StreamCopy(ctx, src, srcName, dst, dstName)
	}

	srcKey, err := sb.FullName(srcName)
	if err != nil {
		return false, err
	}
	dstKey, err := db.FullName(dstName)
	if err != nil {
		return false, err
	}
	fields := map[string]any{
		"src":         srcKey,
		"dest_bucket": db.Name(),
		"dest":        dstKey,
	}

	if c, ok := sb.driver.(Copier); ok {
		handled, err := c.CopyTo(ctx, srcKey, db.driver, dstKey)
		if handled {
			if err != nil {
				return sb.fail("unable to copy file", err, fields)
			}
			sb.logger().DebugWith("file has been copied", fields)
			return true, nil
		}
	}

	rc, err := sb.driver.Get(ctx, srcKey)
	if err != nil {
		return sb.fail("unable to copy file", err, fields)
	}
	defer rc.Close()

	if _, err := db.driver.Put(ctx, dstKey, rc); err != nil {
		return sb.fail("unable to copy file", err, fields)
	}
	sb.logger().DebugWith("file has been copied", fields)
	return true, nil
}

// moveBetween is copyBetween followed by deleting the source, unless the
// source driver can rename natively.
func moveBetween(ctx context.Context, src Bucket, srcName string, dst Bucket, dstName string) (bool, error) {
	if src == dst && srcName == dstName {
		return sameFile(ctx, src, srcName)
	}

	if sb, ok := src.(*DriverBucket); ok {
		if db, ok := dst.(*DriverBucket); ok {
			if r, ok := sb.driver.(Renamer); ok {
				srcKey, err := sb.FullName(srcName)
				if err != nil {
					return false, err
				}
				dstKey, err := db.FullName(dstName)
				if err != nil {
					return false, err
				}
				handled, err := r.RenameTo(ctx, srcKey, db.driver, dstKey)
				if handled {
					fields := map[string]any{"src": srcKey, "dest_bucket": db.Name(), "dest": dstKey}
					if err != nil {
						return sb.fail("unable to move file", err, fields)
					}
					sb.logger().DebugWith("file has been moved", fields)
					return true, nil
				}
			}
		}
	}

	ok, err := copyBetween(ctx, src, srcName, dst, dstName)
	if !ok || err != nil {
		return ok, err
	}
	return src.DeleteFile(ctx, srcName)
}

// StreamCopy copies through OpenFile handles. It works for any pair of
// Bucket implementations.
func StreamCopy(ctx context.Context, src Bucket, srcName string, dst Bucket, dstName string) (bool, error) {
	r, err := src.OpenFile(ctx, srcName, ModeRead)
	if err != nil {
		return falseOrStructural(err)
	}
	defer r.Close()

	w, err := dst.OpenFile(ctx, dstName, ModeWrite)
	if err != nil {
		return falseOrStructural(err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return false, nil
	}
	if err := w.Close(); err != nil {
		return false, nil
	}
	return true, nil
}

// falseOrStructural propagates configuration errors and folds the rest.
func falseOrStructural(err error) (bool, error) {
	if errs.IsUnknownPlaceholder(err) || errs.IsInvalidArgument(err) {
		return false, err
	}
	return false, nil
}

// --- batches ---

// SaveFileContentBatch saves every name→content pair concurrently. Failed
// files are reported together in one compiled error; nil means all saved.
func SaveFileContentBatch(ctx context.Context, b Bucket, files map[string][]byte) error {
	return runBatch(files, func(name string, content []byte) error {
		ok, err := b.SaveFileContent(ctx, name, content)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Newf(errs.ErrKindIOFailed, "unable to save file %q in bucket %q", name, b.Name())
		}
		return nil
	})
}

// CopyFileInBatch copies every host path→file name pair into b concurrently.
func CopyFileInBatch(ctx context.Context, b Bucket, files map[string]string) error {
	return runBatch(files, func(srcPath, name string) error {
		ok, err := b.CopyFileIn(ctx, srcPath, name)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Newf(errs.ErrKindIOFailed, "unable to copy %q into bucket %q as %q", srcPath, b.Name(), name)
		}
		return nil
	})
}

func runBatch[V any](items map[string]V, work func(string, V) error) error {
	type job struct {
		key   string
		value V
	}
	jobs := make(chan job)
	errChan := make(chan error, len(items))

	var wg sync.WaitGroup
	workers := min(batchWorkers, len(items))
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := work(j.key, j.value); err != nil {
					errChan <- fmt.Errorf("%s: %w", j.key, err)
				}
			}
		}()
	}
	for k, v := range items {
		jobs <- job{key: k, value: v}
	}
	close(jobs)
	wg.Wait()
	close(errChan)

	batch := &errbatch.ErrBatch{}
	for err := range errChan {
		batch.Add(err)
	}
	return batch.Compile()
}
