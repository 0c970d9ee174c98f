package helpers

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnovack/sni-proxy/pkg/ca"
)

// --- Minimal metrics stub for sniproxy.Metrics and resolver.Metrics ---

type NopMetrics struct{}

func (NopMetrics) IncConnections()                     {}
func (NopMetrics) IncHandshakeFailures()               {}
func (NopMetrics) IncTunnels()                         {}
func (NopMetrics) AddTunnelBytes(_, _ int64)           {}
func (NopMetrics) IncForwards()                        {}
func (NopMetrics) IncBackendErrors()                   {}
func (NopMetrics) IncBadConnect()                      {}
func (NopMetrics) InflightAdd(_ string)                {}
func (NopMetrics) InflightRemove(_ string)             {}
func (NopMetrics) ObserveDuration(_ string, _ float64) {}
func (NopMetrics) IncCacheHit()                        {}
func (NopMetrics) IncCacheMiss()                       {}
func (NopMetrics) IncCertLoad()                        {}
func (NopMetrics) IncCertLoadFailure()                 {}

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// NewRootCA creates a self-signed root CA.
func NewRootCA(t *testing.T) *ca.RootCA {
	t.Helper()
	root, err := ca.GenerateRootCASelfSigned(pkix.Name{CommonName: "Test Root CA"})
	require.NoError(t, err, "generate root CA")
	return root
}

// NewCertRoot creates a certs root in a temp dir holding one root-signed
// bundle per host, laid out as <dir>/ssl/<host>.both.pem.
func NewCertRoot(t *testing.T, root *ca.RootCA, hosts ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, h := range hosts {
		bundle, err := root.IssueBundle(h)
		require.NoError(t, err, "issue bundle for %s", h)
		_, err = ca.WriteBundle(dir, h, bundle)
		require.NoError(t, err, "write bundle for %s", h)
	}
	return dir
}

// DialTLS connects to addr and completes a TLS handshake sending sniHost and
// trusting rootPEM.
func DialTLS(t *testing.T, addr, sniHost string, rootPEM []byte) *tls.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err, "dial proxy")
	return TlsClientOver(t, c, sniHost, rootPEM)
}

// TlsClientOver wraps conn with a TLS client using sniHost and trusting rootPEM.
func TlsClientOver(t *testing.T, conn net.Conn, sniHost string, rootPEM []byte) *tls.Conn {
	t.Helper()
	cp := x509.NewCertPool()
	require.True(t, cp.AppendCertsFromPEM(rootPEM), "append root CA to pool")
	cfg := &tls.Config{
		ServerName: sniHost, // ensure SNI and verification
		RootCAs:    cp,
		MinVersion: tls.VersionTLS12,
	}
	tlsConn := tls.Client(conn, cfg)
	require.NoError(t, tlsConn.Handshake(), "TLS handshake with proxy")
	return tlsConn
}

// SendHTTPRequest writes a minimal HTTP/1.1 request over w, with explicit Host header.
func SendHTTPRequest(t *testing.T, w io.Writer, method, hostWithPort, path string) {
	t.Helper()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, path, hostWithPort)
	_, err := io.WriteString(w, req)
	require.NoError(t, err, "write HTTP request")
}

// ReadHTTPResponse parses an HTTP/1.1 response from r.
func ReadHTTPResponse(t *testing.T, r *bufio.Reader) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err, "read HTTP response")
	return resp
}

// ReadRawHead reads a response status line and headers verbatim, up to and
// including the blank line.
func ReadRawHead(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "read response head")
		sb.WriteString(line)
		if line == "\r\n" {
			return sb.String()
		}
	}
}

// NewEchoServer starts a TCP server that echoes every byte back and returns its address.
func NewEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen echo server")
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// NewRawBackend starts a TCP server that reads one request per connection,
// sends the bytes it read (head and body, verbatim) on the returned channel,
// then writes response verbatim and closes the connection.
func NewRawBackend(t *testing.T, response string) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen raw backend")
	t.Cleanup(func() { _ = ln.Close() })
	got := make(chan []byte, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				var raw bytes.Buffer
				req, err := http.ReadRequest(bufio.NewReader(io.TeeReader(c, &raw)))
				if err == nil {
					_, _ = io.Copy(io.Discard, req.Body)
				}
				got <- raw.Bytes()
				_, _ = io.WriteString(c, response)
			}()
		}
	}()
	return ln.Addr().String(), got
}

// Receive waits for one value on ch or fails the test.
func Receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting on channel")
		var zero T
		return zero
	}
}
