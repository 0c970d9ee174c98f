// Package proxy exposes the small interfaces the connection handlers depend on.
//
// Handlers ask a Dialer for every backend connection. DirectDialer opens a
// fresh TCP connection per call; a pooling Dialer can be plugged in without
// touching the handlers.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// CertificateSource picks the server certificate during a TLS handshake.
type CertificateSource interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Dialer obtains a connection to a backend address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// DirectDialer dials TCP for each call. A zero Timeout means no timeout.
type DirectDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d DirectDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}
