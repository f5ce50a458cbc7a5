package sw

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"time"

	"gitlab.com/go-extension/http"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/utils"
)

// Request is the part of a fetch the worker looks at.
type Request struct {
	Method string
	URL    *url.URL
	Header nethttp.Header
	// Body is only sent by pass-through requests.
	Body io.Reader
	// NoCache asks every HTTP cache on the way to revalidate.
	NoCache bool
}

// Key is the cache key of r.
func (r *Request) Key() string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Fetcher sends a request to the network. An error means no response was
// received at all. Non 2xx responses are not errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cachestorage.Response, error)
}

type NetworkFetcherOpts struct {
	// MaxBodySize limits the response body read into memory.
	// Default is 32 MiB.
	MaxBodySize int64

	// IdleTimeout closes idle upstream connections.
	// Default is 90s.
	IdleTimeout time.Duration

	UserAgent string
}

func (opts *NetworkFetcherOpts) Init() {
	utils.SetDefaultNum(&opts.MaxBodySize, utils.MiB(32))
	utils.SetDefaultNum(&opts.IdleTimeout, 90*time.Second)
	utils.SetDefaultString(&opts.UserAgent, "fleetcache")
}

// NetworkFetcher fetches over HTTP.
type NetworkFetcher struct {
	opts      NetworkFetcherOpts
	transport *http.Transport
}

func NewNetworkFetcher(opts NetworkFetcherOpts) *NetworkFetcher {
	opts.Init()
	return &NetworkFetcher{
		opts:      opts,
		transport: &http.Transport{IdleConnTimeout: opts.IdleTimeout},
	}
}

func (f *NetworkFetcher) Fetch(ctx context.Context, req *Request) (*cachestorage.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if len(hreq.Header.Get("User-Agent")) == 0 {
		hreq.Header.Set("User-Agent", f.opts.UserAgent)
	}
	if req.NoCache {
		hreq.Header.Set("Cache-Control", "no-cache")
		hreq.Header.Set("Pragma", "no-cache")
	}

	res, err := f.transport.RoundTrip(hreq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, f.opts.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBodySize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", f.opts.MaxBodySize)
	}

	h := make(nethttp.Header, len(res.Header))
	for k, vs := range res.Header {
		h[k] = append([]string(nil), vs...)
	}
	return &cachestorage.Response{
		URL:    req.Key(),
		Status: res.StatusCode,
		Header: h,
		Body:   body,
	}, nil
}

func (f *NetworkFetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}
