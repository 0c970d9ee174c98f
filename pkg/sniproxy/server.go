// Package sniproxy terminates TLS with a per-SNI certificate and then either
// tunnels CONNECT requests to their target or forwards every other request
// to a fixed backend.
package sniproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jnovack/sni-proxy/pkg/proxy"
)

// Server accepts TLS connections on Addr.
type Server struct {
	Addr   string
	Config Config

	ln        net.Listener
	tlsConfig *tls.Config
	limiter   *rate.Limiter

	// ctx only governs the accept loop. Connections and their backend dials
	// run on their own contexts so they outlive Close.
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
}

// Start begins listening and serving until Close is called.
func (s *Server) Start() error {
	if s.Config.Certificates == nil {
		return errors.New("sniproxy: no certificate source configured")
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.tlsConfig = &tls.Config{
		GetCertificate: s.Config.Certificates.GetCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
	if s.Config.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.Config.AcceptRate), max(1, int(s.Config.AcceptRate)))
	}
	go s.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Msg("sni proxy started")
	return nil
}

// ListenAddr returns the bound listener address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener. Established connections and tunnels are left to finish.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			close(s.done)
		}
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
	return nil
}

func (s *Server) acceptLoop() {
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				log.Debug().Err(err).Msg("accept limiter stopped, exiting accept loop")
				return
			}
		}
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			log.Warn().Err(err).Msg("accept error, retrying")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.handleConn(c)
	}
}

// handleConn performs the TLS handshake and serves HTTP/1.1 on the result.
// Nothing that happens here can stop the listener.
func (s *Server) handleConn(raw net.Conn) {
	connID := uuid.Must(uuid.NewV7())
	logger := log.With().
		Str("connection_id", connID.String()).
		Str("remote_addr", raw.RemoteAddr().String()).
		Logger()
	ctx := logger.WithContext(context.WithValue(context.Background(), ConnectionIDKey{}, connID))

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("connection handler panicked")
			_ = raw.Close()
		}
	}()

	m := s.metrics()
	m.IncConnections()

	tlsConn := tls.Server(raw, s.tlsConfig)
	defer tlsConn.Close()
	if err := s.handshake(ctx, tlsConn); err != nil {
		m.IncHandshakeFailures()
		logger.Debug().Err(err).Msg("TLS handshake failed")
		return
	}

	sn := tlsConn.ConnectionState().ServerName
	logger = logger.With().Str("server_name", sn).Logger()
	ctx = logger.WithContext(context.WithValue(ctx, serverNameKey{}, sn))
	logger.Debug().Msg("TLS handshake complete")

	s.serve(ctx, &clientConn{
		Conn: tlsConn,
		br:   bufio.NewReader(tlsConn),
		bw:   bufio.NewWriter(tlsConn),
	})
	logger.Debug().Msg("connection closed")
}

func (s *Server) handshake(ctx context.Context, c *tls.Conn) error {
	if s.Config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.HandshakeTimeout)
		defer cancel()
	}
	return c.HandshakeContext(ctx)
}

func (s *Server) metrics() Metrics {
	if s.Config.Metrics == nil {
		return nopMetrics{}
	}
	return s.Config.Metrics
}

func (s *Server) dialer() proxy.Dialer {
	if s.Config.Dialer == nil {
		return proxy.DirectDialer{}
	}
	return s.Config.Dialer
}
