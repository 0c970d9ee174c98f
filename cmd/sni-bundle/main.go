// Command sni-bundle writes <certs>/ssl/<host>.both.pem bundles that the
// proxy can serve, signed by a local root CA or self-signed.
package main

import (
	"path/filepath"
	"strings"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/sni-proxy/pkg/ca"
	"github.com/jnovack/sni-proxy/pkg/logging"
)

var (
	flagCerts      = flag.String("certs", "certs", "certificate root")
	flagHosts      = flag.String("host", "", "comma-separated hostnames to issue bundles for")
	flagRootPem    = flag.String("root-pem", "", "combined root pem (cert+key); defaults to <certs>/root.pem")
	flagRootCert   = flag.String("root-cert", "", "root cert file")
	flagRootKey    = flag.String("root-key", "", "root key file")
	flagDN         = flag.String("dn", "", "DN used when generating a new root CA")
	flagSelfSigned = flag.Bool("self-signed", false, "write self-signed leaves instead of root-signed ones")
	flagLogLevel   = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel)

	var hosts []string
	for _, h := range strings.Split(*flagHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		log.Fatal().Msg("at least one -host is required")
	}

	var root *ca.RootCA
	if !*flagSelfSigned {
		root = loadOrCreateRoot()
	}

	for _, h := range hosts {
		var (
			bundle []byte
			err    error
		)
		if root == nil {
			bundle, err = ca.SelfSignedBundle(h)
		} else {
			bundle, err = root.IssueBundle(h)
		}
		if err != nil {
			log.Fatal().Err(err).Str("host", h).Msg("failed to issue bundle")
		}
		p, err := ca.WriteBundle(*flagCerts, h, bundle)
		if err != nil {
			log.Fatal().Err(err).Str("host", h).Msg("failed to write bundle")
		}
		log.Info().Str("host", h).Str("path", p).Bool("self_signed", root == nil).Msg("bundle written")
	}
}

// loadOrCreateRoot loads the configured root CA, or generates one and saves
// it to <certs>/root.pem.
func loadOrCreateRoot() *ca.RootCA {
	rootPem := *flagRootPem
	if rootPem == "" && *flagRootCert == "" {
		rootPem = filepath.Join(*flagCerts, "root.pem")
	}
	root, err := ca.NewRootCAFromFiles(rootPem, *flagRootCert, *flagRootKey)
	if err == nil {
		log.Info().Str("subject", root.Cert.Subject.String()).Msg("loaded root CA")
		return root
	}
	log.Debug().Err(err).Msg("no usable root CA, generating one")

	nameSpec := *flagDN
	if nameSpec == "" {
		nameSpec = "jnovack/sni-proxy"
	}
	name, err := ca.ParseDN(nameSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse DN")
	}
	root, err = ca.GenerateRootCASelfSigned(name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate root CA")
	}
	out := filepath.Join(*flagCerts, "root.pem")
	if err := root.SaveCombined(out); err != nil {
		log.Fatal().Err(err).Str("path", out).Msg("failed to save root CA")
	}
	log.Info().Str("path", out).Msg("generated root CA")
	return root
}
