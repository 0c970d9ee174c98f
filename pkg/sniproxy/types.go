package sniproxy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/sni-proxy/pkg/proxy"
)

// Request outcomes recorded in RequestRecord.Outcome and used as duration labels.
const (
	OutcomeTunnel       = "TUNNEL"
	OutcomeForward      = "FORWARD"
	OutcomeBadConnect   = "BAD_CONNECT"
	OutcomeBackendError = "BACKEND_ERROR"
)

// RequestRecord describes one finished request or tunnel.
type RequestRecord struct {
	Time         time.Time `json:"time"`
	ConnectionID string    `json:"connection_id"`
	RequestID    string    `json:"request_id"`
	ServerName   string    `json:"server_name"`
	Method       string    `json:"method"`
	Target       string    `json:"target"`
	Outcome      string    `json:"outcome"`
	Status       int       `json:"status"`
	LatencySecs  float64   `json:"latency_secs"`
	ClientBytes  int64     `json:"client_bytes"`
	BackendBytes int64     `json:"backend_bytes"`
}

// ConnectionIDKey is the context key holding the uuid.UUID assigned to each
// accepted connection. The same id is logged as connection_id.
type ConnectionIDKey struct{}

// RequestIDKey is the context key holding the uuid.UUID assigned to each
// request read from a connection. The same id is logged as request_id.
type RequestIDKey struct{}

type serverNameKey struct{}

// RequestObserver receives RequestRecords. Observers should be fast; NotifyObserver
// invokes them asynchronously.
type RequestObserver func(RequestRecord)

// Metrics is the set of counters the proxy reports to.
type Metrics interface {
	IncConnections()
	IncHandshakeFailures()
	IncTunnels()
	AddTunnelBytes(fromClient, fromBackend int64)
	IncForwards()
	IncBackendErrors()
	IncBadConnect()
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveDuration(outcome string, seconds float64)
}

// Config holds the behavior of a Server.
type Config struct {
	// Certificates selects the server certificate for each handshake.
	Certificates proxy.CertificateSource
	// Backend is the address every non-CONNECT request is forwarded to.
	Backend string
	// Dialer opens backend connections. Defaults to proxy.DirectDialer.
	Dialer proxy.Dialer
	// HandshakeTimeout bounds the TLS handshake. Zero means no limit.
	HandshakeTimeout time.Duration
	// AcceptRate limits accepted connections per second. Zero means no limit.
	AcceptRate float64

	Metrics         Metrics
	RequestObserver RequestObserver
}

// NotifyObserver invokes an observer asynchronously.
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_target", r.Target).
					Str("record_method", r.Method).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}

// newRecord fills the identifying fields of a record from ctx.
func newRecord(ctx context.Context, method, target string) RequestRecord {
	rec := RequestRecord{Time: time.Now(), Method: method, Target: target}
	if id, ok := ctx.Value(ConnectionIDKey{}).(uuid.UUID); ok {
		rec.ConnectionID = id.String()
	}
	if id, ok := ctx.Value(RequestIDKey{}).(uuid.UUID); ok {
		rec.RequestID = id.String()
	}
	if sn, ok := ctx.Value(serverNameKey{}).(string); ok {
		rec.ServerName = sn
	}
	return rec
}

type nopMetrics struct{}

func (nopMetrics) IncConnections()                 {}
func (nopMetrics) IncHandshakeFailures()           {}
func (nopMetrics) IncTunnels()                     {}
func (nopMetrics) AddTunnelBytes(int64, int64)     {}
func (nopMetrics) IncForwards()                    {}
func (nopMetrics) IncBackendErrors()               {}
func (nopMetrics) IncBadConnect()                  {}
func (nopMetrics) InflightAdd(string)              {}
func (nopMetrics) InflightRemove(string)           {}
func (nopMetrics) ObserveDuration(string, float64) {}
