package cachestorage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponse_CachedAt(t *testing.T) {
	r := &Response{Status: 200}
	_, ok := r.CachedAt()
	require.False(t, ok)

	now := time.UnixMilli(1700000000123)
	r.SetCachedAt(now)
	got, ok := r.CachedAt()
	require.True(t, ok)
	require.True(t, now.Equal(got))

	r.Header.Set(HeaderCachedAt, "not a number")
	_, ok = r.CachedAt()
	require.False(t, ok)
}

func TestResponse_Clone(t *testing.T) {
	r := &Response{URL: "http://x/a", Status: 201, Body: []byte("abc")}
	r.SetCachedAt(time.Now())
	c := r.Clone()
	c.Body[0] = 'z'
	c.Header.Set("X", "1")
	require.Equal(t, "abc", string(r.Body))
	require.Empty(t, r.Header.Get("X"))
	require.True(t, c.OK())
	require.False(t, (&Response{Status: 408}).OK())
}
