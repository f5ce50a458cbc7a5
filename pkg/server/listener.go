package server

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

const defaultProxyHeaderTimeout = 5 * time.Second

// WrapProxyProtocol accepts PROXY protocol v1 and v2 headers on l, so the
// client address seen by handlers is the one reported by the load balancer.
// Connections without a header are served as is.
func WrapProxyProtocol(l net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: defaultProxyHeaderTimeout,
	}
}
