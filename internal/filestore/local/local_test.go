package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
)

func newTestStorage(t *testing.T) (*filestore.Storage, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewStorage(DefaultConfig(dir))
	require.NoError(t, err)
	return storage, dir
}

func TestNewStorage_RequiresBasePath(t *testing.T) {
	_, err := NewStorage(DefaultConfig(""))
	require.Error(t, err)
	assert.True(t, errs.IsInvalidArgument(err))

	_, err = NewStorage(nil)
	assert.Error(t, err)
}

func TestBucket_LayoutOnDisk(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	require.NoError(t, storage.AddBucket("avatars", filestore.BucketConfig{SubDirTemplate: "{^name}/{^^name}"}))
	b, err := storage.Bucket("avatars")
	require.NoError(t, err)

	ok, err := b.SaveFileContent(ctx, "54321.png", []byte("png"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := os.ReadFile(filepath.Join(dir, "avatars", "5", "4", "54321.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "avatars", "5", "4"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestBucket_BaseSubPath(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	storage.SetBaseURL(filestore.PlainURL("http://files.local"))
	require.NoError(t, storage.AddBucket("docs", map[string]any{"base_sub_path": "shared/docs"}))
	b, err := storage.Bucket("docs")
	require.NoError(t, err)

	ok, err := b.SaveFileContent(ctx, "a.txt", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.FileExists(t, filepath.Join(dir, "shared", "docs", "a.txt"))

	u, err := b.FileURL("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "http://files.local/shared/docs/a.txt", u)
}

func TestBucket_Lifecycle(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	require.NoError(t, storage.AddBucket("temp", nil))
	b, err := storage.Bucket("temp")
	require.NoError(t, err)

	exists, err := b.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err := b.Create(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.DirExists(t, filepath.Join(dir, "temp"))

	ok, err = b.SaveFileContent(ctx, "x.txt", []byte("x"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Create(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(dir, "temp", "x.txt"))

	ok, err = b.Destroy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, filepath.Join(dir, "temp"))

	exists, err = b.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBucket_FileOperations(t *testing.T) {
	ctx := context.Background()
	storage, _ := newTestStorage(t)
	require.NoError(t, storage.AddBucket("temp", filestore.BucketConfig{SubDirTemplate: "{ext}"}))
	b, err := storage.Bucket("temp")
	require.NoError(t, err)

	_, err = b.GetFileContent(ctx, "missing.txt")
	assert.True(t, errs.IsNotFound(err))

	ok, err := b.DeleteFile(ctx, "missing.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SaveFileContent(ctx, "a.txt", []byte("first"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.SaveFileContent(ctx, "a.txt", []byte("second"))
	require.NoError(t, err)
	require.True(t, ok)

	content, err := b.GetFileContent(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	exists, err := b.FileExists(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err = b.DeleteFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	exists, err = b.FileExists(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBucket_EscapingNamesFail(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	require.NoError(t, storage.AddBucket("temp", nil))
	b, err := storage.Bucket("temp")
	require.NoError(t, err)

	ok, err := b.SaveFileContent(ctx, "../outside.txt", []byte("x"))
	assert.False(t, ok)
	assert.True(t, errs.IsInvalidArgument(err))
	assert.NoFileExists(t, filepath.Join(dir, "outside.txt"))

	ok, err = b.FileExists(ctx, "../../etc/passwd")
	assert.False(t, ok)
	assert.True(t, errs.IsInvalidArgument(err))

	ok, err = b.DeleteFile(ctx, "../outside.txt")
	assert.False(t, ok)
	assert.True(t, errs.IsInvalidArgument(err))
}

func TestBucket_MoveBetweenBucketsRenames(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	require.NoError(t, storage.SetBuckets(filestore.Bare("src"), filestore.Bare("dst")))
	src, err := storage.Bucket("src")
	require.NoError(t, err)

	ok, err := src.SaveFileContent(ctx, "file.txt", []byte("moving"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = src.MoveFileInternal(ctx, filestore.Local("file.txt"), filestore.Remote("dst", "nested/file.txt"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoFileExists(t, filepath.Join(dir, "src", "file.txt"))
	got, err := os.ReadFile(filepath.Join(dir, "dst", "nested", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "moving", string(got))

	ok, err = src.MoveFileInternal(ctx, filestore.Local("file.txt"), filestore.Remote("dst", "again.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBucket_CopyInternalKeepsSource(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	require.NoError(t, storage.SetBuckets(filestore.Bare("src"), filestore.Bare("dst")))
	src, err := storage.Bucket("src")
	require.NoError(t, err)

	ok, err := src.SaveFileContent(ctx, "file.txt", []byte("copy"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = src.CopyFileInternal(ctx, filestore.Local("file.txt"), filestore.Remote("dst", "file.txt"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.FileExists(t, filepath.Join(dir, "src", "file.txt"))
	assert.FileExists(t, filepath.Join(dir, "dst", "file.txt"))
}

func TestBucket_OpenFileAppend(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	require.NoError(t, storage.AddBucket("logs", nil))
	b, err := storage.Bucket("logs")
	require.NoError(t, err)

	for _, line := range []string{"a\n", "b\n"} {
		f, err := b.OpenFile(ctx, "day/app.log", filestore.ModeAppend)
		require.NoError(t, err)
		_, err = f.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	got, err := os.ReadFile(filepath.Join(dir, "logs", "day", "app.log"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(got))
}

func TestConfig_Permissions(t *testing.T) {
	cfg := &Config{BasePath: t.TempDir(), FilePermission: 0o640}
	assert.Equal(t, os.FileMode(0o750), cfg.dirPermission())

	cfg.DirPermission = 0o700
	assert.Equal(t, os.FileMode(0o700), cfg.dirPermission())
}

func TestStorageType_Registered(t *testing.T) {
	dir := t.TempDir()
	storage, err := filestore.OpenStorage(context.Background(), filestore.StorageConfig{
		Type:    Type,
		Options: map[string]any{"base_path": dir},
		Buckets: []any{"a"},
	}, nil)
	require.NoError(t, err)

	b, err := storage.Bucket("a")
	require.NoError(t, err)
	ok, err := b.SaveFileContent(context.Background(), "f.txt", []byte("f"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.FileExists(t, filepath.Join(dir, "a", "f.txt"))
}
