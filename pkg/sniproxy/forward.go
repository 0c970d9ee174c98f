package sniproxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

var errBodyAbandoned = errors.New("request body abandoned after backend response")

type bodyResult struct {
	n   int64
	err error
}

// handleForward relays one request to the backend over a fresh connection
// and relays the backend's response to the client. Heads are copied byte for
// byte in both directions and bodies are streamed with the framing they
// arrived with. It reports whether the client connection can carry another
// request.
func (s *Server) handleForward(ctx context.Context, c *clientConn, req *request) bool {
	start := time.Now()
	m := s.metrics()
	m.IncForwards()

	uri := string(req.header.RequestURI())
	addr := backendAddr(s.Config.Backend, uri)
	logger := log.Ctx(ctx).With().Str("uri", uri).Str("backend", addr).Logger()
	rec := newRecord(ctx, string(req.header.Method()), uri)

	fail := func(err error, msg string) bool {
		m.IncBackendErrors()
		logger.Error().Err(err).Msg(msg)
		_ = writeStatus(c.bw, fasthttp.StatusBadGateway, "", true)
		rec.Outcome = OutcomeBackendError
		rec.Status = fasthttp.StatusBadGateway
		rec.LatencySecs = time.Since(start).Seconds()
		NotifyObserver(s.Config.RequestObserver, rec)
		return false
	}

	backend, err := s.dialer().Dial(ctx, addr)
	if err != nil {
		return fail(err, "backend dial failed")
	}
	defer backend.Close()

	if _, err := backend.Write(req.head); err != nil {
		return fail(err, "writing request to backend failed")
	}

	// The request body is streamed while the response is read, so interim
	// responses such as 100 Continue reach the client before it sends the body.
	kind, size := requestFraming(&req.header)
	bodyDone := make(chan bodyResult, 1)
	go func() {
		n, err := copyBody(bufio.NewWriter(backend), c.br, kind, size)
		bodyDone <- bodyResult{n: n, err: err}
	}()

	br := bufio.NewReader(backend)
	var resp fasthttp.ResponseHeader
	for {
		head, err := readHead(br)
		if err != nil {
			return fail(err, "reading backend response failed")
		}
		resp.Reset()
		if err := parseResponseHead(head, &resp); err != nil {
			return fail(err, "malformed backend response")
		}
		if _, err := c.bw.Write(head); err != nil {
			logger.Debug().Err(err).Msg("writing response head to client failed")
			return false
		}
		if resp.StatusCode() >= fasthttp.StatusOK || resp.StatusCode() == fasthttp.StatusSwitchingProtocols {
			break
		}
		if err := c.bw.Flush(); err != nil {
			logger.Debug().Err(err).Msg("writing interim response to client failed")
			return false
		}
	}
	status := resp.StatusCode()
	rec.Status = status

	if status == fasthttp.StatusSwitchingProtocols {
		return s.upgrade(ctx, c, &readerConn{Conn: backend, r: br}, bodyDone, rec, start)
	}

	respKind, respLen := responseFraming(&resp, req.header.IsHead())
	relayed, err := copyBody(c.bw, br, respKind, respLen)
	sent, bodyErr := awaitBody(c, backend, bodyDone)
	elapsed := time.Since(start).Seconds()
	rec.LatencySecs = elapsed
	rec.ClientBytes = sent
	rec.BackendBytes = relayed
	if err != nil {
		m.IncBackendErrors()
		logger.Warn().Err(err).Int("status", status).Int64("bytes", relayed).Msg("relaying response body failed")
		rec.Outcome = OutcomeBackendError
		NotifyObserver(s.Config.RequestObserver, rec)
		return false
	}

	m.ObserveDuration(OutcomeForward, elapsed)
	logger.Info().
		Int("status", status).
		Int64("client_bytes", sent).
		Int64("bytes", relayed).
		Float64("latency_secs", elapsed).
		Msg("forwarded")
	rec.Outcome = OutcomeForward
	NotifyObserver(s.Config.RequestObserver, rec)

	if bodyErr != nil {
		logger.Debug().Err(bodyErr).Msg("request body not fully relayed, closing connection")
		return false
	}
	return !req.header.ConnectionClose() && !resp.ConnectionClose() && respKind != bodyUntilEOF
}

// upgrade relays raw bytes after the backend switched protocols.
func (s *Server) upgrade(ctx context.Context, c *clientConn, backend net.Conn, bodyDone <-chan bodyResult, rec RequestRecord, start time.Time) bool {
	logger := log.Ctx(ctx)
	if err := c.bw.Flush(); err != nil {
		logger.Debug().Err(err).Msg("writing upgrade response to client failed")
		return false
	}
	body := <-bodyDone
	if body.err != nil {
		logger.Debug().Err(body.err).Msg("request body not fully relayed before upgrade")
		return false
	}
	fromClient, fromBackend, err := relay(c, backend)
	elapsed := time.Since(start).Seconds()
	s.metrics().ObserveDuration(OutcomeForward, elapsed)
	if err != nil {
		logger.Warn().Err(err).Msg("upgraded connection closed with error")
	} else {
		logger.Info().Int64("client_bytes", fromClient).Int64("backend_bytes", fromBackend).Msg("upgraded connection closed")
	}
	rec.Outcome = OutcomeForward
	rec.LatencySecs = elapsed
	rec.ClientBytes = body.n + fromClient
	rec.BackendBytes = fromBackend
	NotifyObserver(s.Config.RequestObserver, rec)
	return false
}

// awaitBody waits for the request body relay. If it is still running after
// the response is complete, the backend is closed and the pending client
// read expired, and the connection must not be reused.
func awaitBody(c *clientConn, backend net.Conn, done <-chan bodyResult) (int64, error) {
	select {
	case r := <-done:
		return r.n, r.err
	default:
	}
	_ = backend.Close()
	_ = c.SetReadDeadline(time.Now())
	r := <-done
	_ = c.SetReadDeadline(time.Time{})
	if r.err != nil {
		return r.n, errors.Join(errBodyAbandoned, r.err)
	}
	return r.n, nil
}

// backendAddr returns the backend address for a request target. An
// absolute-form target carrying an explicit port redirects the request to
// that port on the backend host; every other target uses backend unchanged.
func backendAddr(backend, requestURI string) string {
	if !strings.HasPrefix(requestURI, "http://") && !strings.HasPrefix(requestURI, "https://") {
		return backend
	}
	u, err := url.Parse(requestURI)
	if err != nil || u.Port() == "" {
		return backend
	}
	host, _, err := net.SplitHostPort(backend)
	if err != nil {
		return backend
	}
	return net.JoinHostPort(host, u.Port())
}
