package filestore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/filestore/memory"
)

// countingStorage is a memory storage whose default bucket type counts
// how many drivers were built.
func countingStorage(t *testing.T) (*filestore.Storage, *int32) {
	t.Helper()
	var built int32
	store := memory.NewStore()
	storage := filestore.NewStorage("counted", filestore.WithBucketType("counted",
		func(name string, cfg filestore.BucketConfig) (filestore.Driver, error) {
			atomic.AddInt32(&built, 1)
			return memory.NewDriver(store, name, ""), nil
		}))
	return storage, &built
}

func TestStorage_AddBucketConfig(t *testing.T) {
	storage := memory.NewStorage()
	require.NoError(t, storage.AddBucket("temp", filestore.BucketConfig{}))

	b, err := storage.Bucket("temp")
	require.NoError(t, err)
	assert.Equal(t, "temp", b.Name())
	assert.Same(t, storage, b.Storage())
}

func TestStorage_AddBucketForms(t *testing.T) {
	storage := memory.NewStorage()

	require.NoError(t, storage.AddBucket("nil-config", nil))
	require.NoError(t, storage.AddBucket("map-config", map[string]any{"file_sub_dir_template": "{^name}"}))
	require.NoError(t, storage.AddBucket("ptr-config", &filestore.BucketConfig{SubDirTemplate: "{ext}"}))

	b, err := storage.Bucket("map-config")
	require.NoError(t, err)
	assert.Equal(t, "{^name}", b.(*filestore.DriverBucket).SubDirTemplate())

	b, err = storage.Bucket("ptr-config")
	require.NoError(t, err)
	assert.Equal(t, "{ext}", b.(*filestore.DriverBucket).SubDirTemplate())
}

func TestStorage_AddBucketInvalid(t *testing.T) {
	storage := memory.NewStorage()

	tests := []struct {
		name       string
		bucketName string
		data       any
	}{
		{"scalar string", "temp", "not a config"},
		{"scalar int", "temp", 42},
		{"scalar bool", "temp", true},
		{"empty name", "", nil},
		{"name with slash", "a/b", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.AddBucket(tt.bucketName, tt.data)
			require.Error(t, err)
			assert.True(t, errs.IsInvalidArgument(err))
		})
	}
	assert.False(t, storage.HasBucket("temp"))
}

func TestStorage_AddBucketInstanceForcesName(t *testing.T) {
	storage := memory.NewStorage()
	instance := filestore.NewBucket("y", filestore.BucketConfig{}, memory.NewDriver(memory.NewStore(), "y", ""))

	require.NoError(t, storage.AddBucket("x", instance))

	b, err := storage.Bucket("x")
	require.NoError(t, err)
	assert.Equal(t, "x", b.Name())
	assert.Same(t, storage, b.Storage())
	assert.Equal(t, "x", instance.Driver().(*memory.Driver).Container())
}

func TestStorage_AddBucketInstanceReattaches(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	first := memory.NewStorageWithStore(store)
	second := memory.NewStorageWithStore(store)
	require.NoError(t, first.AddBucket("src", nil))
	require.NoError(t, second.AddBucket("other", nil))

	instance := filestore.NewBucket("moved", filestore.BucketConfig{}, memory.NewDriver(store, "moved", ""))
	require.NoError(t, first.AddBucket("moved", instance))
	require.Same(t, first, instance.Storage())

	require.NoError(t, second.AddBucket("moved", instance))
	assert.Same(t, second, instance.Storage())

	other, err := second.Bucket("other")
	require.NoError(t, err)
	ok, err := other.SaveFileContent(ctx, "a.txt", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	// remote refs resolve against the new owner
	ok, err = instance.CopyFileInternal(ctx, filestore.Remote("other", "a.txt"), filestore.Local("a.txt"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = instance.CopyFileInternal(ctx, filestore.Remote("src", "a.txt"), filestore.Local("b.txt"))
	assert.True(t, errs.IsNotFound(err))
}

func TestStorage_BucketNotFound(t *testing.T) {
	storage := memory.NewStorage()
	_, err := storage.Bucket("missing")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestStorage_LazyMaterialization(t *testing.T) {
	storage, built := countingStorage(t)
	require.NoError(t, storage.AddBucket("lazy", nil))

	assert.True(t, storage.HasBucket("lazy"))
	assert.Equal(t, int32(0), atomic.LoadInt32(built))

	first, err := storage.Bucket("lazy")
	require.NoError(t, err)
	second, err := storage.Bucket("lazy")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(built))
}

func TestStorage_ConcurrentFirstAccess(t *testing.T) {
	storage, built := countingStorage(t)
	require.NoError(t, storage.AddBucket("shared", nil))

	var wg sync.WaitGroup
	results := make([]filestore.Bucket, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := storage.Bucket("shared")
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(built))
	for _, b := range results {
		assert.Same(t, results[0], b)
	}
}

func TestStorage_ReAddReplaces(t *testing.T) {
	storage := memory.NewStorage()
	require.NoError(t, storage.AddBucket("temp", filestore.BucketConfig{SubDirTemplate: "{^name}"}))
	first, err := storage.Bucket("temp")
	require.NoError(t, err)

	require.NoError(t, storage.AddBucket("temp", filestore.BucketConfig{SubDirTemplate: "{ext}"}))
	second, err := storage.Bucket("temp")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, "{ext}", second.(*filestore.DriverBucket).SubDirTemplate())
}

func TestStorage_SetBuckets(t *testing.T) {
	storage := memory.NewStorage()

	specs, err := filestore.BucketSpecsOf([]any{"images", "docs"})
	require.NoError(t, err)
	require.NoError(t, storage.SetBuckets(specs...))

	specs, err = filestore.BucketSpecsOf(map[string]any{
		"avatars": map[string]any{"file_sub_dir_template": "{^name}"},
		"temp":    nil,
	})
	require.NoError(t, err)
	require.NoError(t, storage.SetBuckets(specs...))

	assert.Equal(t, []string{"avatars", "docs", "images", "temp"}, storage.BucketNames())

	buckets, err := storage.Buckets()
	require.NoError(t, err)
	assert.Len(t, buckets, 4)
	for name, b := range buckets {
		assert.Equal(t, name, b.Name())
	}

	_, err = filestore.BucketSpecsOf([]any{"ok", 3})
	assert.True(t, errs.IsInvalidArgument(err))
	_, err = filestore.BucketSpecsOf("scalar")
	assert.True(t, errs.IsInvalidArgument(err))
}

func TestStorage_UnknownBucketType(t *testing.T) {
	storage := memory.NewStorage()
	require.NoError(t, storage.AddBucket("odd", filestore.BucketConfig{Type: "tape"}))

	_, err := storage.Bucket("odd")
	require.Error(t, err)
	assert.True(t, errs.IsInvalidArgument(err))
	assert.True(t, storage.HasBucket("odd"))
}

func TestStorage_BaseURL(t *testing.T) {
	storage := memory.NewStorage(filestore.WithBaseURL(filestore.PlainURL("http://files.local")))
	assert.Equal(t, "http://files.local", storage.BaseURL().URL)

	storage.SetBaseURL(filestore.RouteURL("/download", nil))
	assert.NotNil(t, storage.BaseURL().Route)
}
