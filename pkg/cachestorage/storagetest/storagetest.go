// Package storagetest checks that a cachestorage.Storage implementation
// follows the behavior the service worker relies on.
package storagetest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
)

// NewStorage returns an empty storage. It is called once per subtest.
type NewStorage func(t *testing.T) cachestorage.Storage

func resp(body string) *cachestorage.Response {
	return &cachestorage.Response{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

// TestStorage runs the storage contract against newStorage.
func TestStorage(t *testing.T, newStorage NewStorage) {
	t.Run("names", func(t *testing.T) { testNames(t, newStorage(t)) })
	t.Run("entries", func(t *testing.T) { testEntries(t, newStorage(t)) })
	t.Run("order", func(t *testing.T) { testOrder(t, newStorage(t)) })
	t.Run("delete_cache", func(t *testing.T) { testDeleteCache(t, newStorage(t)) })
}

func testNames(t *testing.T, s cachestorage.Storage) {
	ctx := context.Background()
	has, err := s.Has(ctx, "a")
	require.NoError(t, err)
	require.False(t, has)

	for _, name := range []string{"b", "a", "c", "b"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}
	names, err := s.Keys(ctx)
	require.NoError(t, err)
	// creation order, reopening does not move a name
	require.Equal(t, []string{"b", "a", "c"}, names)

	has, err = s.Has(ctx, "a")
	require.NoError(t, err)
	require.True(t, has)
}

func testEntries(t *testing.T, s cachestorage.Storage) {
	ctx := context.Background()
	c, err := s.Open(ctx, "a")
	require.NoError(t, err)

	_, ok, err := c.Match(ctx, "/missing")
	require.NoError(t, err)
	require.False(t, ok)

	r := resp("1")
	r.URL = "http://localhost/1"
	r.SetCachedAt(time.UnixMilli(1700000000000))
	require.NoError(t, c.Put(ctx, "/1", r))

	got, ok, err := c.Match(ctx, "/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "http://localhost/1", got.URL)
	require.Equal(t, 200, got.Status)
	require.Equal(t, "1", string(got.Body))
	require.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	at, ok := got.CachedAt()
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), at.UnixMilli())

	// Match returns a copy
	got.Body[0] = 'x'
	got.Header.Set("Content-Type", "x")
	again, _, err := c.Match(ctx, "/1")
	require.NoError(t, err)
	require.Equal(t, "1", string(again.Body))
	require.Equal(t, "text/plain", again.Header.Get("Content-Type"))

	// reopening sees the same entries
	c2, err := s.Open(ctx, "a")
	require.NoError(t, err)
	_, ok, err = c2.Match(ctx, "/1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Delete(ctx, "/1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Delete(ctx, "/1")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = c.Match(ctx, "/1")
	require.NoError(t, err)
	require.False(t, ok)
}

func testOrder(t *testing.T, s cachestorage.Storage) {
	ctx := context.Background()
	c, err := s.Open(ctx, "a")
	require.NoError(t, err)

	for _, k := range []string{"/1", "/2", "/3"} {
		require.NoError(t, c.Put(ctx, k, resp(k)))
	}
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"/1", "/2", "/3"}, keys)

	// a replaced entry moves to the end
	require.NoError(t, c.Put(ctx, "/1", resp("1b")))
	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"/2", "/3", "/1"}, keys)
	got, _, err := c.Match(ctx, "/1")
	require.NoError(t, err)
	require.Equal(t, "1b", string(got.Body))

	_, err = c.Delete(ctx, "/3")
	require.NoError(t, err)
	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"/2", "/1"}, keys)

	// order is per cache
	other, err := s.Open(ctx, "b")
	require.NoError(t, err)
	keys, err = other.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func testDeleteCache(t *testing.T, s cachestorage.Storage) {
	ctx := context.Background()
	c, err := s.Open(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "/1", resp("1")))
	_, err = s.Open(ctx, "b")
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	has, err := s.Has(ctx, "a")
	require.NoError(t, err)
	require.False(t, has)
	names, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, names)

	// a recreated cache starts empty
	c, err = s.Open(ctx, "a")
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
	_, ok, err = c.Match(ctx, "/1")
	require.NoError(t, err)
	require.False(t, ok)
}
