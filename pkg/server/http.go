/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 */

package server

import (
	"errors"
	"net"
	nethttp "net/http"
	"time"

	"gitlab.com/go-extension/http"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	// HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 3 * time.Second

	defaultReadTimeout = 60 * time.Second
	defaultIdleTimeout = 90 * time.Second
)

// ServeHTTP serves HTTP/1.1 on l.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	hs := &http.Server{
		Handler:           &eHttpHandlerWrapper{s},
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if s.Closed() || errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// ServeH2C serves HTTP/1.1 and cleartext HTTP/2 on l.
func (s *Server) ServeH2C(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	h2s := &http2.Server{IdleTimeout: s.opts.IdleTimeout}
	hs := &nethttp.Server{
		Handler:           h2c.NewHandler(&httpHandlerWrapper{s}, h2s),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if s.Closed() || errors.Is(err, nethttp.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
