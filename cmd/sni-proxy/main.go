package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jnovack/sni-proxy/pkg/admin"
	"github.com/jnovack/sni-proxy/pkg/cache"
	"github.com/jnovack/sni-proxy/pkg/certstore"
	"github.com/jnovack/sni-proxy/pkg/logging"
	"github.com/jnovack/sni-proxy/pkg/proxy"
	"github.com/jnovack/sni-proxy/pkg/resolver"
	"github.com/jnovack/sni-proxy/pkg/signals"
	"github.com/jnovack/sni-proxy/pkg/sniproxy"
)

var (
	flagCerts            = flag.String("certs", "certs", "certificate root; bundles are read from <certs>/ssl/<host>.both.pem")
	flagBackend          = flag.String("backend", "127.0.0.1:8080", "backend address for forwarded (non-CONNECT) requests")
	flagAdminAddr        = flag.String("admin-addr", "", "admin HTTP listen address (disabled when empty)")
	flagLogLevel         = flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flagFoldSNICase      = flag.Bool("fold-sni-case", false, "lowercase the SNI hostname before cache lookup and load")
	flagHandshakeTimeout = flag.Duration("handshake-timeout", 0, "TLS handshake timeout (0 disables)")
	flagDialTimeout      = flag.Duration("dial-timeout", 0, "backend dial timeout (0 disables)")
	flagAcceptRate       = flag.Float64("accept-rate", 0, "maximum accepted connections per second (0 disables)")
	flagCaptureSize      = flag.Int("capture-size", 1000, "number of recent requests kept for /requests")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <bind-addr>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	logging.Setup(*flagLogLevel)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	addr := flag.Arg(0)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("invalid bind address")
	}
	if _, _, err := net.SplitHostPort(*flagBackend); err != nil {
		log.Fatal().Err(err).Str("backend", *flagBackend).Msg("invalid backend address")
	}

	metrics := admin.NewMetrics()
	captures := admin.NewCaptureStore(*flagCaptureSize)

	certs := resolver.New(
		cache.New(),
		certstore.New(*flagCerts),
		resolver.WithFoldCase(*flagFoldSNICase),
		resolver.WithMetrics(metrics),
	)

	srv := &sniproxy.Server{
		Addr: addr,
		Config: sniproxy.Config{
			Certificates:     certs,
			Backend:          *flagBackend,
			Dialer:           proxy.DirectDialer{Timeout: *flagDialTimeout},
			HandshakeTimeout: *flagHandshakeTimeout,
			AcceptRate:       *flagAcceptRate,
			Metrics:          metrics,
			RequestObserver:  captures.Observer(nil),
		},
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("failed to start sni proxy")
	}

	ctx := signals.Setup(context.Background(), nil)
	g, gctx := errgroup.WithContext(ctx)

	if *flagAdminAddr != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("/healthz", admin.HandleHealth)
		adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, metrics) })
		adminMux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { admin.HandleStatusz(w, metrics) })
		adminMux.HandleFunc("/requests", func(w http.ResponseWriter, r *http.Request) { admin.HandleRequests(w, r, captures) })
		adminMux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) { admin.HandleCerts(w, r, certs) })
		adminMux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
			admin.HandleVarz(w, map[string]any{
				"addr":              srv.ListenAddr().String(),
				"certs":             *flagCerts,
				"backend":           *flagBackend,
				"fold-sni-case":     *flagFoldSNICase,
				"handshake-timeout": flagHandshakeTimeout.String(),
				"dial-timeout":      flagDialTimeout.String(),
				"accept-rate":       *flagAcceptRate,
			})
		})
		adminSrv := &http.Server{Addr: *flagAdminAddr, Handler: adminMux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			log.Info().Str("addr", *flagAdminAddr).Msg("admin HTTP starting")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin HTTP: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return adminSrv.Shutdown(shCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown requested")
		return srv.Close()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("sni proxy stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("sni proxy stopped")
}
