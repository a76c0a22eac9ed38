package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func backends() map[string]storageFactory {
	return map[string]storageFactory{
		"fs":     newTestFSStorage,
		"sqlite": newTestSQLiteStorage,
	}
}

func TestStoragePutAndMatch(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)

			c, err := storage.Open(ctx, "holy-huddle-v4")
			require.NoError(t, err)
			assert.Equal(t, "holy-huddle-v4", c.Name())

			key := NewKey("get", "/styles.css")
			header := http.Header{}
			header.Set("Content-Type", "text/css")
			header.Add("X-Multi", "a")
			header.Add("X-Multi", "b")
			require.NoError(t, c.Put(ctx, key, &Response{
				Status: http.StatusOK,
				Header: header,
				Body:   []byte("body{}"),
				URL:    "http://origin.local/styles.css",
			}))

			got, err := c.Match(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, "body{}", string(got.Body))
			assert.Equal(t, "text/css", got.Header.Get("Content-Type"))
			assert.Equal(t, []string{"a", "b"}, got.Header.Values("X-Multi"))
			assert.Equal(t, "http://origin.local/styles.css", got.URL)
			assert.False(t, got.StoredAt.IsZero())
		})
	}
}

func TestStorageLookupDoesNotCreate(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)

			_, ok, err := storage.Lookup(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			assert.False(t, ok)
			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)

			_, err = storage.Open(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			found, ok, err := storage.Lookup(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "holy-huddle-v3", found.Name())

			_, err = storage.Delete(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			_, ok, err = storage.Lookup(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			assert.False(t, ok)

			_, _, err = storage.Lookup(ctx, "../x")
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestStorageDropsSetCookie(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)

			header := http.Header{}
			header.Set("Content-Type", "application/json")
			header.Add("Set-Cookie", "session=alice-secret; Path=/")
			header.Add("Set-Cookie2", "legacy=1")
			resp := &Response{Status: http.StatusOK, Header: header, Body: []byte("{}")}
			key := NewKey(http.MethodGet, "/api/me")
			require.NoError(t, c.Put(ctx, key, resp))

			got, err := c.Match(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, got.Header.Values("Set-Cookie"))
			assert.Empty(t, got.Header.Values("Set-Cookie2"))
			assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
			assert.Equal(t, "session=alice-secret; Path=/", resp.Header.Get("Set-Cookie"), "调用方的响应不应被修改")
		})
	}
}

func TestStorageMatchMissing(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)

			_, err = c.Match(ctx, NewKey(http.MethodGet, "/missing"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorageMatchIsExact(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, NewKey(http.MethodGet, "/"), &Response{Status: 200, Body: []byte("root")}))

			_, err = c.Match(ctx, NewKey(http.MethodGet, "/index.html"))
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = c.Match(ctx, NewKey(http.MethodGet, "/?x=1"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoragePutOverwrites(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)
			key := NewKey(http.MethodGet, "/app.js")

			require.NoError(t, c.Put(ctx, key, &Response{Status: 200, Body: []byte("one")}))
			require.NoError(t, c.Put(ctx, key, &Response{Status: 200, Body: []byte("two")}))

			got, err := c.Match(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "two", string(got.Body))

			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Key{key}, keys)
		})
	}
}

func TestStoragePutRejections(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)

			err = c.Put(ctx, NewKey(http.MethodPost, "/api"), &Response{Status: 200})
			assert.ErrorIs(t, err, ErrUnsupportedMethod)

			err = c.Put(ctx, NewKey(http.MethodGet, "/video"), &Response{Status: http.StatusPartialContent})
			assert.ErrorIs(t, err, ErrPartialResponse)

			vary := http.Header{}
			vary.Set("Vary", "Accept-Encoding, *")
			err = c.Put(ctx, NewKey(http.MethodGet, "/vary"), &Response{Status: 200, Header: vary})
			assert.ErrorIs(t, err, ErrVaryWildcard)

			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStorageKeysAndDelete(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)

			for _, version := range []string{"holy-huddle-v3", "holy-huddle-v4"} {
				c, err := storage.Open(ctx, version)
				require.NoError(t, err)
				require.NoError(t, c.Put(ctx, NewKey(http.MethodGet, "/"), &Response{Status: 200, Body: []byte(version)}))
			}

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"holy-huddle-v3", "holy-huddle-v4"}, names)

			deleted, err := storage.Delete(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = storage.Delete(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = storage.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"holy-huddle-v4"}, names)

			has, err := storage.Has(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			assert.False(t, has)

			// 重新打开已删除的版本得到的是空缓存。
			reopened, err := storage.Open(ctx, "holy-huddle-v3")
			require.NoError(t, err)
			_, err = reopened.Match(ctx, NewKey(http.MethodGet, "/"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoragePutAfterDeleteFails(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			c, err := storage.Open(ctx, "old")
			require.NoError(t, err)

			_, err = storage.Delete(ctx, "old")
			require.NoError(t, err)

			err = c.Put(ctx, NewKey(http.MethodGet, "/late"), &Response{Status: 200, Body: []byte("late")})
			assert.Error(t, err, "已删除缓存的句柄不应复活缓存")

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestStorageEntryDelete(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)
			key := NewKey(http.MethodGet, "/gone")
			require.NoError(t, c.Put(ctx, key, &Response{Status: 200}))

			removed, err := c.Delete(ctx, key)
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = c.Delete(ctx, key)
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestStorageConcurrentPutsLastWriteWins(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "v1")
			require.NoError(t, err)
			key := NewKey(http.MethodGet, "/race")

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, c.Put(ctx, key, &Response{Status: 200, Body: []byte("same-payload")}))
				}()
			}
			wg.Wait()

			got, err := c.Match(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "same-payload", string(got.Body))
		})
	}
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			storage := factory(t)
			for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
				_, err := storage.Open(context.Background(), bad)
				assert.ErrorIs(t, err, ErrInvalidName, "name %q", bad)
			}
		})
	}
}

func TestFSStorageIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFSStorage(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = NewFSStorage(ctx, dir)
	assert.ErrorIs(t, err, ErrStorageLocked)
}

func TestFSStorageSweepsTrash(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, trashPrefix+"crashed")
	require.NoError(t, os.MkdirAll(filepath.Join(leftover, "cache"), 0o755))

	storage, err := NewFSStorage(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	_, err = os.Stat(leftover)
	assert.True(t, errors.Is(err, os.ErrNotExist), "遗留回收目录应被清理")
}

func TestResponseCloneIsIndependent(t *testing.T) {
	original := &Response{Status: 200, Header: http.Header{"X-A": {"1"}}, Body: []byte("abc")}
	cloned := original.Clone()
	cloned.Body[0] = 'z'
	cloned.Header.Set("X-A", "2")

	assert.Equal(t, "abc", string(original.Body))
	assert.Equal(t, "1", original.Header.Get("X-A"))
	assert.True(t, original.OK())
	assert.False(t, (&Response{Status: 404}).OK())
}

func TestOpenStorageUnknownBackend(t *testing.T) {
	_, err := OpenStorage(context.Background(), "redis", t.TempDir())
	assert.Error(t, err)
}

// newTestFSStorage returns a filesystem Storage backed by a temporary directory.
func newTestFSStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := NewFSStorage(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

// newTestSQLiteStorage returns a SQLite Storage inside a temporary directory.
func newTestSQLiteStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := OpenSQLiteStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}
