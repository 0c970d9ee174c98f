package sniproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

var errBadTarget = errors.New("CONNECT target is not a socket address")

// clientConn is a decrypted client connection. Reads go through br so bytes
// buffered while reading a request head are not lost when the connection
// becomes a tunnel.
type clientConn struct {
	net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

func (c *clientConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// request is one request head as received from the client.
type request struct {
	head   []byte
	header fasthttp.RequestHeader
}

// serve reads requests from c one at a time until the client closes, a
// request asks to close, or the connection turns into a tunnel.
func (s *Server) serve(ctx context.Context, c *clientConn) {
	for {
		head, err := readHead(c.br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Ctx(ctx).Debug().Err(err).Msg("reading request head failed")
				if errors.Is(err, errHeadTooLarge) {
					_ = writeStatus(c.bw, fasthttp.StatusRequestHeaderFieldsTooLarge, "", true)
				}
			}
			return
		}
		req := &request{head: head}
		if err := parseRequestHead(head, &req.header); err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("malformed request head")
			_ = writeStatus(c.bw, fasthttp.StatusBadRequest, "", true)
			return
		}
		if !s.route(ctx, c, req) {
			return
		}
	}
}

// route dispatches one decrypted request: CONNECT opens a tunnel, anything
// else is forwarded to the backend. It reports whether the connection can
// carry another request.
func (s *Server) route(ctx context.Context, c *clientConn, req *request) bool {
	reqID := uuid.Must(uuid.NewV7())
	logger := log.Ctx(ctx).With().
		Str("request_id", reqID.String()).
		Str("method", string(req.header.Method())).
		Logger()
	ctx = logger.WithContext(context.WithValue(ctx, RequestIDKey{}, reqID))

	if req.header.IsConnect() {
		s.handleConnect(ctx, c, req)
		return false
	}
	return s.handleForward(ctx, c, req)
}

// handleConnect answers 200 with an empty body and then relays raw bytes
// between the client and the target. Bytes the client sent after the
// request head are relayed too.
func (s *Server) handleConnect(ctx context.Context, c *clientConn, req *request) {
	raw := string(req.header.RequestURI())
	target, err := tunnelTarget(raw)
	if err != nil {
		s.metrics().IncBadConnect()
		log.Ctx(ctx).Warn().Err(err).Str("target", raw).Msg("rejecting CONNECT")
		_ = writeStatus(c.bw, fasthttp.StatusBadRequest, "CONNECT must be to a socket address", true)

		rec := newRecord(ctx, fasthttp.MethodConnect, raw)
		rec.Outcome = OutcomeBadConnect
		rec.Status = fasthttp.StatusBadRequest
		NotifyObserver(s.Config.RequestObserver, rec)
		return
	}

	if err := writeTunnelEstablished(c.bw); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("writing CONNECT response failed")
		return
	}
	s.tunnel(ctx, c, target, time.Now())
}

// tunnelTarget validates a CONNECT request target in authority form.
func tunnelTarget(raw string) (string, error) {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadTarget, err)
	}
	if host == "" || strings.ContainsAny(host, "/?#@ ") {
		return "", fmt.Errorf("%w: bad host %q", errBadTarget, host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return "", fmt.Errorf("%w: bad port %q", errBadTarget, port)
	}
	return net.JoinHostPort(host, port), nil
}
