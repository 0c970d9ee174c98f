// Package ca generates certificate bundles in the layout the proxy loads.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load a root CA from combined PEM or separate cert/key files
//   - Generate a self-signed root CA
//   - Issue per-host leaf bundles (leaf, root, PKCS#8 key) and write them
//     to <certs>/ssl/<host>.both.pem
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RootCA holds a parsed root certificate, the private key and the combined PEM bytes.
type RootCA struct {
	Cert *x509.Certificate
	Priv crypto.Signer
	pem  []byte
}

// PEM returns the combined root PEM (certificate then PKCS#8 key).
func (r *RootCA) PEM() []byte {
	return r.pem
}

// CertPEM returns only the root certificate block.
func (r *RootCA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: r.Cert.Raw})
}

// CheckPEMHasCertAndKey checks combined PEM bytes contains at least one CERTIFICATE and one PRIVATE KEY block.
func CheckPEMHasCertAndKey(pemBytes []byte) (hasCert bool, hasKey bool) {
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			hasCert = true
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			hasKey = true
		}
	}
	return
}

// LoadCombinedRoot loads a combined PEM (certificate + private key) and returns a RootCA.
func LoadCombinedRoot(pemBytes []byte) (*RootCA, error) {
	hasCert, hasKey := CheckPEMHasCertAndKey(pemBytes)
	if !hasCert || !hasKey {
		return nil, errors.New("combined PEM missing certificate or private key")
	}

	var cert *x509.Certificate
	var key any
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if cert != nil {
				continue
			}
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing certificate block: %w", err)
			}
			cert = c
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
			}
			key = k
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing RSA private key: %w", err)
			}
			key = k
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing EC private key: %w", err)
			}
			key = k
		}
	}

	if cert == nil || key == nil {
		return nil, errors.New("combined PEM did not yield both certificate and key")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("root key %T cannot sign", key)
	}
	return &RootCA{Cert: cert, Priv: signer, pem: pemBytes}, nil
}

// NewRootCAFromFiles loads a root CA from a combined PEM (rootPem) or separate cert/key files.
func NewRootCAFromFiles(rootPem, rootCert, rootKey string) (*RootCA, error) {
	if rootPem != "" {
		b, err := os.ReadFile(rootPem)
		if err != nil {
			return nil, fmt.Errorf("read root-pem: %w", err)
		}
		return LoadCombinedRoot(b)
	}
	if rootCert != "" && rootKey != "" {
		cb, err := os.ReadFile(rootCert)
		if err != nil {
			return nil, fmt.Errorf("read root-cert: %w", err)
		}
		kb, err := os.ReadFile(rootKey)
		if err != nil {
			return nil, fmt.Errorf("read root-key: %w", err)
		}
		return LoadCombinedRoot(append(cb, kb...))
	}
	return nil, errors.New("no root CA files provided")
}

// ParseDN parses a flexible DN string into pkix.Name.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	name := pkix.Name{}
	for _, p := range splitDN(s) {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		v := strings.TrimSpace(kv[1])
		switch strings.ToUpper(strings.TrimSpace(kv[0])) {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		return strings.Split(strings.TrimPrefix(s, "/"), "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateRootCASelfSigned generates an ECDSA P-256 self-signed root for name.
func GenerateRootCASelfSigned(name pkix.Name) (*RootCA, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	keyPEM, err := encodePKCS8(priv)
	if err != nil {
		return nil, err
	}
	combined := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM...)
	return &RootCA{Cert: cert, Priv: priv, pem: combined}, nil
}

// SaveCombined writes the combined root PEM to disk atomically.
func (r *RootCA) SaveCombined(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeAtomic(path, r.PEM())
}

// IssueBundle returns a combined PEM for host: leaf certificate, root
// certificate, then the leaf's PKCS#8 key.
func (r *RootCA) IssueBundle(host string) ([]byte, error) {
	if r == nil {
		return nil, errors.New("root CA is nil")
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := r.signLeaf(host, priv)
	if err != nil {
		return nil, err
	}
	keyPEM, err := encodePKCS8(priv)
	if err != nil {
		return nil, err
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	out = append(out, r.CertPEM()...)
	return append(out, keyPEM...), nil
}

// SelfSignedBundle returns a combined PEM holding a self-signed leaf for host
// and its PKCS#8 key.
func SelfSignedBundle(host string) ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template, err := leafTemplate(host)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, err
	}
	keyPEM, err := encodePKCS8(priv)
	if err != nil {
		return nil, err
	}
	return append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM...), nil
}

// BundlePath returns <certsRoot>/ssl/<host>.both.pem.
func BundlePath(certsRoot, host string) string {
	return filepath.Join(certsRoot, "ssl", host+".both.pem")
}

// WriteBundle stores a combined PEM for host under certsRoot and returns its path.
func WriteBundle(certsRoot, host string, bundle []byte) (string, error) {
	p := BundlePath(certsRoot, host)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := writeAtomic(p, bundle); err != nil {
		return "", err
	}
	return p, nil
}

func (r *RootCA) signLeaf(host string, priv *ecdsa.PrivateKey) ([]byte, error) {
	template, err := leafTemplate(host)
	if err != nil {
		return nil, err
	}
	return x509.CreateCertificate(rand.Reader, template, r.Cert, priv.Public(), r.Priv)
}

func leafTemplate(host string) (*x509.Certificate, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	return template, nil
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func encodePKCS8(key any) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal PKCS8 key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
