package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	H "github.com/churchfleet/fleetcache/pkg/server/http_handler"
	"github.com/churchfleet/fleetcache/pkg/sw"
)

type echoFetcher struct {
	mu  sync.Mutex
	xff []string
}

func (f *echoFetcher) Fetch(_ context.Context, req *sw.Request) (*cachestorage.Response, error) {
	f.mu.Lock()
	f.xff = append(f.xff, req.Header.Get("X-Forwarded-For"))
	f.mu.Unlock()
	return &cachestorage.Response{
		URL:    req.Key(),
		Status: http.StatusOK,
		Header: make(http.Header),
		Body:   []byte(req.Method + " " + req.URL.RequestURI()),
	}, nil
}

type noController struct{}

func (noController) HandleFetch(context.Context, *sw.Request) (*cachestorage.Response, bool) {
	return nil, false
}

func newTestServer(t *testing.T, f *echoFetcher) *Server {
	t.Helper()
	h, err := H.NewHandler(H.HandlerOpts{Controller: noController{}, Fetcher: f, Upstream: "http://origin"})
	require.NoError(t, err)
	s := NewServer(ServerOpts{HttpHandler: h})
	t.Cleanup(s.Close)
	return s
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func testServe(t *testing.T, serve func(s *Server, l net.Listener) error) {
	f := &echoFetcher{}
	s := newTestServer(t, f)
	l := listen(t)
	errC := make(chan error, 1)
	go func() { errC <- serve(s, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/api/vehicles?page=1")
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /api/vehicles?page=1", string(b))

	s.Close()
	select {
	case err := <-errC:
		require.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
}

func Test_Server_ServeHTTP(t *testing.T) {
	testServe(t, (*Server).ServeHTTP)
}

func Test_Server_ServeH2C(t *testing.T) {
	testServe(t, (*Server).ServeH2C)
}

func Test_Server_proxy_protocol(t *testing.T) {
	f := &echoFetcher{}
	s := newTestServer(t, f)
	l := listen(t)
	go s.ServeH2C(WrapProxyProtocol(l))

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = fmt.Fprintf(c, "PROXY TCP4 203.0.113.7 127.0.0.1 40000 80\r\nGET /x HTTP/1.1\r\nHost: fleet\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"203.0.113.7"}, f.xff)
}

func Test_Server_closed(t *testing.T) {
	s := newTestServer(t, &echoFetcher{})
	s.Close()
	require.ErrorIs(t, s.ServeHTTP(listen(t)), ErrServerClosed)
	require.ErrorIs(t, NewServer(ServerOpts{}).ServeH2C(listen(t)), errMissingHTTPHandler)
}
