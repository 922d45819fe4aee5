package filestore

import (
	"io"
	"strings"

	"github.com/koustreak/filestorage/internal/errs"
)

// OpenMode selects how OpenFile accesses a file.
type OpenMode int

const (
	ModeRead   OpenMode = iota + 1 // stream existing content
	ModeWrite                      // truncate or create, then write
	ModeAppend                     // create if missing, write at the end
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeAppend:
		return "a"
	default:
		return "unknown"
	}
}

// ParseMode converts an fopen style mode ("r", "wb", "a", …) into an OpenMode.
// Combined modes such as "r+" are not supported.
func ParseMode(s string) (OpenMode, error) {
	switch strings.TrimSuffix(s, "b") {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	case "a":
		return ModeAppend, nil
	default:
		return 0, errs.Newf(errs.ErrKindInvalidArgument, "unsupported open mode %q", s)
	}
}

// File is a streaming handle returned by Bucket.OpenFile.
// The caller MUST call Close() on every path, including errors.
// Read handles reject writes and write handles reject reads.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

// ReadOnly adapts rc into a File whose Write always fails.
func ReadOnly(rc io.ReadCloser) File {
	return &readOnlyFile{ReadCloser: rc}
}

// WriteOnly adapts wc into a File whose Read always fails.
func WriteOnly(wc io.WriteCloser) File {
	return &writeOnlyFile{WriteCloser: wc}
}

type readOnlyFile struct {
	io.ReadCloser
}

func (f *readOnlyFile) Write([]byte) (int, error) {
	return 0, errs.New(errs.ErrKindInvalidArgument, "file is opened for reading")
}

type writeOnlyFile struct {
	io.WriteCloser
}

func (f *writeOnlyFile) Read([]byte) (int, error) {
	return 0, errs.New(errs.ErrKindInvalidArgument, "file is opened for writing")
}
