// Package resolver selects the server certificate for a TLS handshake from
// the client's SNI value, filling the certificate cache on demand.
package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/jnovack/sni-proxy/pkg/cache"
)

// ErrNoServerName is returned when the client did not send SNI. There is no
// default certificate.
var ErrNoServerName = errors.New("client sent no server name")

// Loader produces a certificate for a hostname.
type Loader interface {
	Load(host string) (*tls.Certificate, error)
}

// Metrics receives resolver counters.
type Metrics interface {
	IncCacheHit()
	IncCacheMiss()
	IncCertLoad()
	IncCertLoadFailure()
}

// Resolver is safe for concurrent use by many handshakes.
type Resolver struct {
	cache    *cache.Cache
	loader   Loader
	metrics  Metrics
	foldCase bool

	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFoldCase normalizes SNI values to lowercase ASCII (IDNA lookup form)
// before lookup and load. Off by default: hostnames are used exactly as the
// client sent them.
func WithFoldCase(fold bool) Option {
	return func(r *Resolver) { r.foldCase = fold }
}

// WithMetrics attaches counters.
func WithMetrics(m Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New returns a Resolver backed by c and l.
func New(c *cache.Cache, l Loader, opts ...Option) *Resolver {
	r := &Resolver{cache: c, loader: l}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetCertificate is meant for tls.Config.GetCertificate.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return r.Resolve(ctx, hello.ServerName)
}

// Resolve returns the certificate for host. Cache hits never touch storage.
// Concurrent misses for the same host share a single load.
func (r *Resolver) Resolve(ctx context.Context, host string) (*tls.Certificate, error) {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	if host == "" {
		logger.Debug().Msg("handshake without server name")
		return nil, ErrNoServerName
	}
	key := r.key(host)

	if cert, ok := r.cache.Get(key); ok {
		r.inc(Metrics.IncCacheHit)
		logger.Debug().Str("server_name", key).Str("outcome", "HIT").Msg("certificate cache")
		return cert, nil
	}
	r.inc(Metrics.IncCacheMiss)
	logger.Debug().Str("server_name", key).Str("outcome", "MISS").Msg("certificate cache")

	v, err, shared := r.group.Do(key, func() (any, error) {
		// A flight that finished between our Get and Do has already published.
		if cert, ok := r.cache.Get(key); ok {
			return cert, nil
		}
		r.inc(Metrics.IncCertLoad)
		cert, err := r.loader.Load(key)
		if err != nil {
			r.inc(Metrics.IncCertLoadFailure)
			return nil, err
		}
		r.cache.Set(key, cert)
		logger.Info().Str("server_name", key).Msg("certificate loaded")
		return cert, nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("server_name", key).Bool("shared", shared).Msg("certificate load failed")
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// Invalidate drops host from the cache so the next handshake reloads it.
func (r *Resolver) Invalidate(host string) bool {
	return r.cache.Invalidate(r.key(host))
}

// Hosts lists cached hostnames.
func (r *Resolver) Hosts() []string {
	return r.cache.Hosts()
}

func (r *Resolver) key(host string) string {
	if r.foldCase {
		if a, err := idna.Lookup.ToASCII(host); err == nil {
			return a
		}
		return strings.ToLower(host)
	}
	return host
}

func (r *Resolver) inc(f func(Metrics)) {
	if r.metrics != nil {
		f(r.metrics)
	}
}
