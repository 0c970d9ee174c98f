// Package certstore loads per-hostname certificate bundles from disk.
//
// A bundle for hostname H lives at <root>/ssl/<H>.both.pem and holds the
// certificate chain (leaf first, then intermediates) followed by a PKCS#8
// private key. Only the first PKCS#8 key in the file is used.
package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Loader failure kinds. Callers can tell them apart with errors.Is.
var (
	ErrInvalidHostname  = errors.New("invalid hostname")
	ErrNotFound         = errors.New("bundle not found")
	ErrNoCertificate    = errors.New("no certificate in bundle")
	ErrCertificateParse = errors.New("invalid certificate")
	ErrNoPrivateKey     = errors.New("no PKCS#8 private key in bundle")
	ErrKeyParse         = errors.New("invalid private key")
	ErrUnsupportedKey   = errors.New("unsupported private key algorithm")
	ErrKeyMismatch      = errors.New("private key does not match leaf certificate")
)

const bundleSuffix = ".both.pem"

// Loader reads bundles below Root.
type Loader struct {
	Root string
}

// New returns a Loader for the given certs root directory.
func New(root string) *Loader {
	return &Loader{Root: root}
}

// PathFor returns the bundle path for host.
func (l *Loader) PathFor(host string) string {
	return filepath.Join(l.Root, "ssl", host+bundleSuffix)
}

// Load reads and parses the bundle for host.
func (l *Loader) Load(host string) (*tls.Certificate, error) {
	if err := checkHostname(host); err != nil {
		return nil, err
	}
	p := l.PathFor(host)
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	cert, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return cert, nil
}

// Parse builds a tls.Certificate from a combined PEM bundle.
func Parse(pemBytes []byte) (*tls.Certificate, error) {
	var (
		chain [][]byte
		leaf  *x509.Certificate
		key   crypto.PrivateKey
	)
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCertificateParse, err)
			}
			if leaf == nil {
				leaf = c
			}
			chain = append(chain, block.Bytes)
		case "PRIVATE KEY":
			if key != nil {
				continue
			}
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrKeyParse, err)
			}
			key = k
		}
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}
	if key == nil {
		return nil, ErrNoPrivateKey
	}
	if err := checkKey(key, leaf.PublicKey); err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func checkKey(key crypto.PrivateKey, pub crypto.PublicKey) error {
	var kp crypto.PublicKey
	switch k := key.(type) {
	case *rsa.PrivateKey:
		kp = k.Public()
	case *ecdsa.PrivateKey:
		kp = k.Public()
	case ed25519.PrivateKey:
		kp = k.Public()
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	eq, ok := kp.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !eq.Equal(pub) {
		return ErrKeyMismatch
	}
	return nil
}

// checkHostname rejects names that cannot map to a single file under ssl/.
func checkHostname(host string) error {
	if host == "" || strings.HasPrefix(host, ".") || strings.Contains(host, "..") ||
		strings.ContainsAny(host, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidHostname, host)
	}
	return nil
}
