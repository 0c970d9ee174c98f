package certstore

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/sni-proxy/pkg/ca"
)

func writeRaw(t *testing.T, root, host string, b []byte) {
	t.Helper()
	p := filepath.Join(root, "ssl", host+".both.pem")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, b, 0o600))
}

func splitBundle(t *testing.T, b []byte) (certs []byte, key []byte) {
	t.Helper()
	remain := b
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			return
		}
		enc := pem.EncodeToMemory(block)
		if block.Type == "CERTIFICATE" {
			certs = append(certs, enc...)
		} else {
			key = append(key, enc...)
		}
	}
}

func TestLoadChainLeafFirst(t *testing.T) {
	td := t.TempDir()
	name, err := ca.ParseDN("CN=certstore root")
	require.NoError(t, err)
	root, err := ca.GenerateRootCASelfSigned(name)
	require.NoError(t, err)
	b, err := root.IssueBundle("example.test")
	require.NoError(t, err)
	_, err = ca.WriteBundle(td, "example.test", b)
	require.NoError(t, err)

	cert, err := New(td).Load("example.test")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 2, "leaf followed by root")
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "example.test", cert.Leaf.Subject.CommonName)
	assert.Equal(t, root.Cert.Raw, cert.Certificate[1])
}

func TestLoadRSAKey(t *testing.T) {
	td := t.TempDir()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "rsa.test"},
		DNSNames:     []string{"rsa.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	b := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)
	writeRaw(t, td, "rsa.test", b)

	cert, err := New(td).Load("rsa.test")
	require.NoError(t, err)
	_, ok := cert.PrivateKey.(*rsa.PrivateKey)
	assert.True(t, ok, "expected RSA private key, got %T", cert.PrivateKey)
}

func TestLoadFailureKinds(t *testing.T) {
	td := t.TempDir()

	good, err := ca.SelfSignedBundle("good.test")
	require.NoError(t, err)
	other, err := ca.SelfSignedBundle("other.test")
	require.NoError(t, err)
	goodCerts, goodKey := splitBundle(t, good)
	_, otherKey := splitBundle(t, other)

	// PKCS#1 is not accepted: the bundle must carry a PKCS#8 key.
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})

	x25519, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	xDER, err := x509.MarshalPKCS8PrivateKey(x25519)
	require.NoError(t, err)
	xPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: xDER})

	garbageCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("not der")})
	garbageKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("not der")})

	writeRaw(t, td, "nokey.test", goodCerts)
	writeRaw(t, td, "pkcs1.test", append(append([]byte{}, goodCerts...), pkcs1...))
	writeRaw(t, td, "nocert.test", goodKey)
	writeRaw(t, td, "badcert.test", append(append([]byte{}, garbageCert...), goodKey...))
	writeRaw(t, td, "badkey.test", append(append([]byte{}, goodCerts...), garbageKey...))
	writeRaw(t, td, "mismatch.test", append(append([]byte{}, goodCerts...), otherKey...))
	writeRaw(t, td, "x25519.test", append(append([]byte{}, goodCerts...), xPEM...))

	cases := []struct {
		host string
		want error
	}{
		{"missing.test", ErrNotFound},
		{"nokey.test", ErrNoPrivateKey},
		{"pkcs1.test", ErrNoPrivateKey},
		{"nocert.test", ErrNoCertificate},
		{"badcert.test", ErrCertificateParse},
		{"badkey.test", ErrKeyParse},
		{"mismatch.test", ErrKeyMismatch},
		{"x25519.test", ErrUnsupportedKey},
		{"", ErrInvalidHostname},
		{"../etc/passwd", ErrInvalidHostname},
		{"a/b.test", ErrInvalidHostname},
	}
	l := New(td)
	for _, c := range cases {
		t.Run(c.host, func(t *testing.T) {
			cert, err := l.Load(c.host)
			assert.Nil(t, cert)
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestPathFor(t *testing.T) {
	l := New("/srv/certs")
	assert.Equal(t, "/srv/certs/ssl/Example.Test.both.pem", l.PathFor("Example.Test"))
}
