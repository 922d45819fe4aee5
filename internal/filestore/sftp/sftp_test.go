package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
)

// localFS serves fileSystem calls from a directory, the way a chrooted
// SFTP server would.
type localFS struct {
	root   string
	closed atomic.Bool
}

func (l *localFS) real(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

func (l *localFS) Open(name string) (io.ReadCloser, error) { return os.Open(l.real(name)) }

func (l *localFS) OpenFile(name string, flag int) (io.WriteCloser, error) {
	return os.OpenFile(l.real(name), flag, 0o644)
}

func (l *localFS) MkdirAll(name string) error  { return os.MkdirAll(l.real(name), 0o755) }
func (l *localFS) Remove(name string) error    { return os.Remove(l.real(name)) }
func (l *localFS) RemoveAll(name string) error { return os.RemoveAll(l.real(name)) }

func (l *localFS) Rename(oldName, newName string) error {
	return os.Rename(l.real(oldName), l.real(newName))
}

func (l *localFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(l.real(name)) }

func (l *localFS) Chmod(name string, mode fs.FileMode) error { return os.Chmod(l.real(name), mode) }

func (l *localFS) Close() error {
	l.closed.Store(true)
	return nil
}

func newTestStorage(t *testing.T) (*filestore.Storage, *localFS, *int32) {
	t.Helper()
	fsys := &localFS{root: t.TempDir()}
	var dials int32
	cfg := DefaultConfig("sftp.local", "tester")
	cfg.BasePath = "/srv"
	storage := newStorage(cfg, func(context.Context) (fileSystem, error) {
		atomic.AddInt32(&dials, 1)
		return fsys, nil
	})
	return storage, fsys, &dials
}

func TestStorage_LazySharedSession(t *testing.T) {
	ctx := context.Background()
	storage, fsys, dials := newTestStorage(t)
	require.NoError(t, storage.SetBuckets(filestore.Bare("a"), filestore.Bare("b")))
	assert.Equal(t, int32(0), atomic.LoadInt32(dials))

	for _, name := range []string{"a", "b"} {
		b, err := storage.Bucket(name)
		require.NoError(t, err)
		ok, err := b.SaveFileContent(ctx, "f.txt", []byte(name))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(dials))

	require.NoError(t, storage.Close())
	assert.True(t, fsys.closed.Load())
}

func TestBucket_RemoteLayout(t *testing.T) {
	ctx := context.Background()
	storage, fsys, _ := newTestStorage(t)
	storage.SetBaseURL(filestore.PlainURL("https://files.local"))
	require.NoError(t, storage.AddBucket("docs", map[string]any{
		"base_sub_path":         "public/docs",
		"file_sub_dir_template": "{ext}",
	}))
	b, err := storage.Bucket("docs")
	require.NoError(t, err)

	ok, err := b.SaveFileContent(ctx, "report.pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := os.ReadFile(filepath.Join(fsys.root, "srv", "public", "docs", "pdf", "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(got))

	u, err := b.FileURL("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://files.local/public/docs/pdf/report.pdf", u)
}

func TestBucket_FileLifecycle(t *testing.T) {
	ctx := context.Background()
	storage, _, _ := newTestStorage(t)
	require.NoError(t, storage.AddBucket("temp", nil))
	b, err := storage.Bucket("temp")
	require.NoError(t, err)

	ok, err := b.Create(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	exists, err := b.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = b.GetFileContent(ctx, "missing.txt")
	assert.True(t, errs.IsNotFound(err))

	ok, err = b.SaveFileContent(ctx, "a.txt", []byte("one"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.SaveFileContent(ctx, "a.txt", []byte("two"))
	require.NoError(t, err)
	require.True(t, ok)

	content, err := b.GetFileContent(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(content))

	ok, err = b.MoveFileInternal(ctx, filestore.Local("a.txt"), filestore.Local("moved/a.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	exists, err = b.FileExists(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = b.FileExists(ctx, "moved/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err = b.DeleteFile(ctx, "moved/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Destroy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	exists, err = b.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBucket_DialFailure(t *testing.T) {
	cfg := DefaultConfig("sftp.local", "tester")
	storage := newStorage(cfg, func(context.Context) (fileSystem, error) {
		return nil, errs.New(errs.ErrKindConnectionFailed, "refused")
	})
	require.NoError(t, storage.AddBucket("temp", nil))
	b, err := storage.Bucket("temp")
	require.NoError(t, err)

	ok, err := b.SaveFileContent(context.Background(), "a.txt", []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewStorage(DefaultConfig("", "user"))
	assert.True(t, errs.IsInvalidArgument(err))

	_, err = NewStorage(DefaultConfig("host", "user"))
	assert.True(t, errs.IsInvalidArgument(err), "credentials are required")

	cfg := DefaultConfig("host", "user")
	cfg.Password = "secret"
	_, err = NewStorage(cfg)
	assert.NoError(t, err)
	assert.Equal(t, "host:22", cfg.addr())

	cfg.PrivateKey = "not a key"
	_, err = cfg.clientConfig()
	assert.True(t, errs.IsInvalidArgument(err))
}

func TestMapError(t *testing.T) {
	assert.Equal(t, errs.ErrKindNotFound, mapError(os.ErrNotExist, "op").Kind)
	assert.Equal(t, errs.ErrKindPermissionDenied, mapError(os.ErrPermission, "op").Kind)
	assert.Equal(t, errs.ErrKindConnectionFailed, mapError(pkgsftp.ErrSSHFxConnectionLost, "op").Kind)
	assert.Equal(t, errs.ErrKindTimeout, mapError(context.Canceled, "op").Kind)
	assert.Equal(t, errs.ErrKindIOFailed, mapError(errors.New("odd"), "op").Kind)
}
