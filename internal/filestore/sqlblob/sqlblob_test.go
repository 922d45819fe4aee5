package sqlblob

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/filestorage/internal/database"
	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
)

// memStore is a blobStore over maps, used to test the driver without a
// database.
type memStore struct {
	mu         sync.Mutex
	containers map[string]bool
	blobs      map[[2]string][]byte
	copies     int
	renames    int
	putErr     error
}

func newMemStore() *memStore {
	return &memStore{containers: map[string]bool{}, blobs: map[[2]string][]byte{}}
}

func (m *memStore) CreateContainer(_ context.Context, c string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c] = true
	return nil
}

func (m *memStore) DropContainer(_ context.Context, c string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, c)
	for k := range m.blobs {
		if k[0] == c {
			delete(m.blobs, k)
		}
	}
	return nil
}

func (m *memStore) ContainerExists(_ context.Context, c string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[c], nil
}

func (m *memStore) Put(_ context.Context, c, name string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.blobs[[2]string{c, name}] = append([]byte(nil), content...)
	return nil
}

func (m *memStore) Get(_ context.Context, c, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[[2]string{c, name}]
	if !ok {
		return nil, errs.New(errs.ErrKindNotFound, "no rows")
	}
	return content, nil
}

func (m *memStore) Delete(_ context.Context, c, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, [2]string{c, name})
	return nil
}

func (m *memStore) Has(_ context.Context, c, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[[2]string{c, name}]
	return ok, nil
}

func (m *memStore) Copy(_ context.Context, sc, sn, dc, dn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[[2]string{sc, sn}]
	if !ok {
		return errs.New(errs.ErrKindNotFound, "no rows")
	}
	m.copies++
	m.blobs[[2]string{dc, dn}] = content
	return nil
}

func (m *memStore) Rename(_ context.Context, sc, sn, dc, dn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[[2]string{sc, sn}]
	if !ok {
		return errs.New(errs.ErrKindNotFound, "no rows")
	}
	m.renames++
	delete(m.blobs, [2]string{sc, sn})
	m.blobs[[2]string{dc, dn}] = content
	return nil
}

func newTestStorage(t *testing.T) (*filestore.Storage, *memStore) {
	t.Helper()
	store := newMemStore()
	storage := newStorage(store)
	require.NoError(t, storage.AddBucket("avatars", map[string]any{"file_sub_dir_template": "{ext}"}))
	require.NoError(t, storage.AddBucket("archive", map[string]any{"container": "cold"}))
	return storage, store
}

func bucket(t *testing.T, s *filestore.Storage, name string) filestore.Bucket {
	t.Helper()
	b, err := s.Bucket(name)
	require.NoError(t, err)
	return b
}

func TestBucket_RowsPerContainer(t *testing.T) {
	ctx := context.Background()
	storage, store := newTestStorage(t)
	b := bucket(t, storage, "avatars")

	ok, err := b.Create(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, store.containers["avatars"])

	ok, err = b.SaveFileContent(ctx, "me.png", []byte("png"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("png"), store.blobs[[2]string{"avatars", "png/me.png"}])

	content, err := b.GetFileContent(ctx, "me.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(content))

	_, err = b.GetFileContent(ctx, "missing.png")
	assert.True(t, errs.IsNotFound(err))

	ok, err = b.Destroy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, store.blobs)
}

func TestBucket_InDatabaseCopyAndMove(t *testing.T) {
	ctx := context.Background()
	storage, store := newTestStorage(t)
	avatars := bucket(t, storage, "avatars")
	archive := bucket(t, storage, "archive")

	ok, err := avatars.SaveFileContent(ctx, "me.png", []byte("png"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = archive.CopyFileInternal(ctx, filestore.Remote("avatars", "me.png"), filestore.Local("me.png"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, store.copies)
	assert.Equal(t, []byte("png"), store.blobs[[2]string{"cold", "me.png"}])

	ok, err = archive.MoveFileInternal(ctx, filestore.Local("me.png"), filestore.Local("old/me.png"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, store.renames)

	exists, err := archive.FileExists(ctx, "me.png")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = archive.FileExists(ctx, "old/me.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBucket_FixedContainerURL(t *testing.T) {
	storage, _ := newTestStorage(t)
	storage.SetBaseURL(filestore.PlainURL("https://blobs.local"))
	u, err := bucket(t, storage, "archive").FileURL("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.local/cold/a.txt", u)
}

func TestBucket_WriterCommitsOnClose(t *testing.T) {
	ctx := context.Background()
	storage, store := newTestStorage(t)
	b := bucket(t, storage, "archive")

	f, err := b.OpenFile(ctx, "log.txt", filestore.ModeWrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("one,"))
	require.NoError(t, err)
	assert.Empty(t, store.blobs)
	require.NoError(t, f.Close())

	f, err = b.OpenFile(ctx, "log.txt", filestore.ModeAppend)
	require.NoError(t, err)
	_, err = f.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	content, err := b.GetFileContent(ctx, "log.txt")
	require.NoError(t, err)
	assert.Equal(t, "one,two", string(content))
}

func TestBucket_StoreFailureIsFalse(t *testing.T) {
	storage, store := newTestStorage(t)
	store.putErr = errs.New(errs.ErrKindConnectionFailed, "pool closed")

	ok, err := bucket(t, storage, "archive").SaveFileContent(context.Background(), "a.txt", []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewStorage(context.Background(), &Config{})
	assert.True(t, errs.IsInvalidArgument(err))

	cfg := DefaultConfig("sqlite", "file::memory:")
	_, err = NewStorage(context.Background(), cfg)
	assert.True(t, errs.IsInvalidArgument(err))

	cfg = DefaultConfig(database.DriverPostgres, "postgres://localhost/db")
	cfg.Table = "blobs; DROP TABLE users"
	_, err = NewStorage(context.Background(), cfg)
	assert.True(t, errs.IsInvalidArgument(err))
}

func TestStatements_Dialects(t *testing.T) {
	pg := newStatements(database.DialectPostgres, "blobs")
	assert.Equal(t, `SELECT content FROM "blobs" WHERE bucket = $1 AND name = $2`, pg.get)
	assert.Contains(t, pg.upsert, "ON CONFLICT (bucket, name) DO UPDATE")
	assert.Contains(t, pg.upsert, "VALUES ($1, $2, $3, $4, $5)")
	assert.Contains(t, pg.createContainer, `"blobs_buckets"`)
	assert.Contains(t, pg.migrate[1], "BYTEA")

	my := newStatements(database.DialectMySQL, "blobs")
	assert.Equal(t, "SELECT content FROM `blobs` WHERE bucket = ? AND name = ?", my.get)
	assert.Contains(t, my.upsert, "ON DUPLICATE KEY UPDATE")
	assert.True(t, strings.HasPrefix(my.createContainer, "INSERT IGNORE"))
	assert.Contains(t, my.migrate[1], "LONGBLOB")
}

// recordingDB is a database.DB that records statements and answers
// QueryRow from a canned table.
type recordingDB struct {
	dialect database.Dialect
	execs   []string
	args    [][]any
	rows    map[string][]byte
	affect  int64
}

func (r *recordingDB) Ping(context.Context) error { return nil }
func (r *recordingDB) Close()                     {}
func (r *recordingDB) Dialect() database.Dialect  { return r.dialect }

func (r *recordingDB) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	r.execs = append(r.execs, sql)
	r.args = append(r.args, args)
	return r.affect, nil
}

func (r *recordingDB) Query(context.Context, string, ...any) (database.Rows, error) {
	return nil, errs.New(errs.ErrKindIOFailed, "unused")
}

func (r *recordingDB) QueryRow(_ context.Context, _ string, args ...any) database.Row {
	key := args[len(args)-1].(string)
	content, ok := r.rows[key]
	return rowFunc(func(dest ...any) error {
		if !ok {
			return errs.New(errs.ErrKindNotFound, "no rows")
		}
		switch d := dest[0].(type) {
		case *[]byte:
			*d = content
		case *int:
			*d = 1
		}
		return nil
	})
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func TestSQLStore_Operations(t *testing.T) {
	ctx := context.Background()
	db := &recordingDB{dialect: database.DialectPostgres, rows: map[string][]byte{"a.txt": []byte("A")}}
	s := newSQLStore(db, "blobs")

	require.NoError(t, s.Migrate(ctx))
	assert.Len(t, db.execs, 2)

	content, err := s.Get(ctx, "c", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "A", string(content))

	ok, err := s.Has(ctx, "c", "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Has(ctx, "c", "b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "c", "b.txt", []byte("BB")))
	last := db.args[len(db.args)-1]
	assert.Equal(t, int64(2), last[3])

	err = s.Copy(ctx, "c", "missing", "c", "x")
	assert.True(t, errs.IsNotFound(err), "nothing copied means the source is missing")

	db.affect = 1
	require.NoError(t, s.Copy(ctx, "c", "a.txt", "d", "a.txt"))

	err = s.Rename(ctx, "c", "missing", "c", "x")
	assert.True(t, errs.IsNotFound(err))

	n := len(db.execs)
	require.NoError(t, s.Rename(ctx, "c", "a.txt", "d", "a.txt"))
	assert.Len(t, db.execs, n+2, "delete target then update source")
	assert.True(t, strings.HasPrefix(db.execs[n], "DELETE"))
	assert.True(t, strings.HasPrefix(db.execs[n+1], "UPDATE"))
}
