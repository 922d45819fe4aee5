package local

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/koustreak/filestorage/internal/errs"
)

// mapError translates a filesystem error into a *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	case os.IsNotExist(err):
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case os.IsPermission(err):
		return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
	}
	return errs.Wrap(errs.ErrKindIOFailed, msg, err)
}

// isCrossDevice reports a rename that failed because source and target are
// on different filesystems.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV)
}
