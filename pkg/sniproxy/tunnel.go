package sniproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// tunnel dials target and relays bytes in both directions until either side
// closes. The caller closes client once tunnel returns.
func (s *Server) tunnel(ctx context.Context, client net.Conn, target string, start time.Time) {
	logger := log.Ctx(ctx).With().Str("target", target).Logger()
	m := s.metrics()
	rec := newRecord(ctx, fasthttp.MethodConnect, target)
	rec.Status = fasthttp.StatusOK

	backend, err := s.dialer().Dial(ctx, target)
	if err != nil {
		m.IncBackendErrors()
		logger.Error().Err(err).Msg("tunnel dial failed")
		rec.Outcome = OutcomeBackendError
		rec.LatencySecs = time.Since(start).Seconds()
		NotifyObserver(s.Config.RequestObserver, rec)
		return
	}

	id := inflightID(ctx, target)
	m.IncTunnels()
	m.InflightAdd(id)
	logger.Debug().Msg("tunnel established")

	fromClient, fromBackend, err := relay(client, backend)
	m.InflightRemove(id)
	m.AddTunnelBytes(fromClient, fromBackend)

	elapsed := time.Since(start).Seconds()
	m.ObserveDuration(OutcomeTunnel, elapsed)
	var ev *zerolog.Event
	if err != nil {
		ev = logger.Warn().Err(err)
	} else {
		ev = logger.Info()
	}
	ev.Int64("client_bytes", fromClient).
		Int64("backend_bytes", fromBackend).
		Float64("latency_secs", elapsed).
		Msg("tunnel closed")

	rec.Outcome = OutcomeTunnel
	rec.LatencySecs = elapsed
	rec.ClientBytes = fromClient
	rec.BackendBytes = fromBackend
	NotifyObserver(s.Config.RequestObserver, rec)
}

// relay copies client->backend and backend->client concurrently. When either
// direction ends the backend is closed and the client read is expired so the
// other direction returns too.
func relay(client, backend net.Conn) (fromClient, fromBackend int64, err error) {
	type result struct {
		toBackend bool
		n         int64
		err       error
	}
	done := make(chan result, 2)
	go func() {
		n, e := io.Copy(backend, client)
		done <- result{toBackend: true, n: n, err: e}
	}()
	go func() {
		n, e := io.Copy(client, backend)
		done <- result{n: n, err: e}
	}()

	var errs []error
	for i := 0; i < 2; i++ {
		r := <-done
		if i == 0 {
			_ = backend.Close()
			_ = client.SetDeadline(time.Now())
		}
		if r.toBackend {
			fromClient = r.n
		} else {
			fromBackend = r.n
		}
		if i == 0 && !benignCopyError(r.err) {
			errs = append(errs, r.err)
		}
	}
	return fromClient, fromBackend, errors.Join(errs...)
}

// benignCopyError reports errors caused by relay shutdown or a normal close.
func benignCopyError(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// readerConn is a net.Conn whose reads come from r, a buffered reader over
// Conn holding bytes already read past a message head.
type readerConn struct {
	net.Conn
	r io.Reader
}

func (c *readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func inflightID(ctx context.Context, target string) string {
	var connID, reqID string
	if id, ok := ctx.Value(ConnectionIDKey{}).(uuid.UUID); ok {
		connID = id.String()
	}
	if id, ok := ctx.Value(RequestIDKey{}).(uuid.UUID); ok {
		reqID = id.String()
	}
	return connID + "/" + reqID + " " + target
}
