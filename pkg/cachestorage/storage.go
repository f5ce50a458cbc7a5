// Package cachestorage defines a named store of HTTP responses, modeled on
// the browser Cache Storage API, and the response type it holds.
package cachestorage

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HeaderCachedAt holds the insertion time of a stored response in unix
// milliseconds. It is independent of standard HTTP cache control.
const HeaderCachedAt = "sw-cached-at"

// Storage is a set of named caches.
type Storage interface {
	// Open returns the cache called name, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete deletes the cache and all its entries.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the cache names in creation order.
	Keys(ctx context.Context) ([]string, error)

	io.Closer
}

// Cache stores responses keyed by request URL. Implementations must be
// safe for concurrent use, and each operation is atomic per entry.
type Cache interface {
	// Match returns a copy of the stored response.
	Match(ctx context.Context, key string) (*Response, bool, error)
	// Put stores a copy of r, replacing any previous entry of key.
	// A replaced entry moves to the end of the key order.
	Put(ctx context.Context, key string, r *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns the keys in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// Response is a fully read HTTP response.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is in the range 200-299.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

func (r *Response) Clone() *Response {
	c := &Response{
		URL:    r.URL,
		Status: r.Status,
		Header: r.Header.Clone(),
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	return c
}

// CachedAt parses HeaderCachedAt. ok is false if the header is missing or
// malformed.
func (r *Response) CachedAt() (t time.Time, ok bool) {
	v := r.Header.Get(HeaderCachedAt)
	if len(v) == 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (r *Response) SetCachedAt(t time.Time) {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(HeaderCachedAt, strconv.FormatInt(t.UnixMilli(), 10))
}
