/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
	"github.com/churchfleet/fleetcache/pkg/sw"
)

var nopLogger = zap.NewNop()

// proxyHeaders are checked in order for the real client address.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// hopHeaders are meaningful for one connection only and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// FetchController dispatches a fetch to the controlling worker. ok is
// false if nothing intercepted the request.
type FetchController interface {
	HandleFetch(ctx context.Context, req *sw.Request) (*cachestorage.Response, bool)
}

type HandlerOpts struct {
	// Controller, usually a *sw.Registration, gets every request first.
	Controller FetchController

	// Fetcher sends the requests the controller did not intercept.
	Fetcher sw.Fetcher

	// Upstream is the origin, e.g. "http://127.0.0.1:3000".
	Upstream string

	SrcIPHeader string

	// HealthPath is answered locally. Default is "/health".
	HealthPath string

	Logger *zap.Logger

	upstream *url.URL
}

func (opts *HandlerOpts) Init() error {
	if opts.Controller == nil {
		return errors.New("nil fetch controller")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	u, err := url.Parse(opts.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	if !u.IsAbs() || len(u.Host) == 0 {
		return fmt.Errorf("upstream %q is not an absolute url", opts.Upstream)
	}
	opts.upstream = u
	return nil
}

// Handler is the front proxy. GET requests go through the response cache,
// everything else straight to the origin.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) warnErr(req Request, err error) {
	h.opts.Logger.Warn(err.Error(), zap.String("from", req.GetRemoteAddr()), zap.String("method", req.Method()), zap.String("url", req.RequestURI()))
}

// Interfaces to abstract the request and response types of the http
// server implementations.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

type Request interface {
	URL() *url.URL
	TLS() *TlsInfo
	Body() io.ReadCloser
	Header() http.Header
	Method() string
	Context() context.Context
	RequestURI() string
	GetRemoteAddr() string
	SetRemoteAddr(addr string)
}

type TlsInfo struct {
	Version    uint16
	ServerName string
}

func (h *Handler) ServeHTTP(w ResponseWriter, req Request) {
	// Health check, fast path.
	if req.URL().Path == h.opts.HealthPath {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	sreq := h.newRequest(req)
	ctx := req.Context()

	resp, ok := h.opts.Controller.HandleFetch(ctx, sreq)
	if !ok {
		var err error
		resp, err = h.opts.Fetcher.Fetch(ctx, sreq)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			h.warnErr(req, fmt.Errorf("upstream fetch failed: %w", err))
			return
		}
	}
	writeResponse(w, req.Method(), resp)
}

// newRequest maps req onto the upstream origin.
func (h *Handler) newRequest(req Request) *sw.Request {
	u := *h.opts.upstream
	u.Path = req.URL().Path
	u.RawPath = req.URL().RawPath
	u.RawQuery = req.URL().RawQuery

	header := req.Header().Clone()
	if header == nil {
		header = make(http.Header)
	}
	removeHopHeaders(header)
	// Stored bodies are always identity encoded.
	header.Del("Accept-Encoding")
	if addr, err := getRemoteAddr(req, h.opts.SrcIPHeader); err == nil {
		header.Set("X-Forwarded-For", addr.String())
	}
	if req.TLS() != nil {
		header.Set("X-Forwarded-Proto", "https")
	} else {
		header.Set("X-Forwarded-Proto", "http")
	}

	sreq := &sw.Request{Method: req.Method(), URL: &u, Header: header}
	switch req.Method() {
	case http.MethodGet, http.MethodHead:
	default:
		sreq.Body = req.Body()
	}
	return sreq
}

func writeResponse(w ResponseWriter, method string, resp *cachestorage.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	removeHopHeaders(h)
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func removeHopHeaders(h http.Header) {
	// Headers named by Connection are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); len(name) > 0 {
				h.Del(name)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func getRemoteAddr(req Request, customHeader string) (netip.Addr, error) {
	// Priority check for common proxy headers.
	for _, h := range proxyHeaders {
		if val := req.Header().Get(h); val != "" {
			// Take the first address of a X-Forwarded-For list.
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			ipStr = strings.TrimSpace(ipStr)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				req.SetRemoteAddr(ipStr)
				return addr, nil
			}
		}
	}

	if customHeader != "" {
		if val := req.Header().Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				req.SetRemoteAddr(val)
				return addr, nil
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.GetRemoteAddr())
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr().Unmap(), nil
}
