package ca

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// TestParseDNVarious covers plain CN, slash-style and comma-style DNs.
func TestParseDNVarious(t *testing.T) {
	cases := []struct {
		in string
		cn string
	}{
		{"SimpleCN", "SimpleCN"},
		{"/C=US/ST=CA/O=Org/OU=Unit/CN=My CA", "My CA"},
		{"CN=My CA,O=Org,C=US", "My CA"},
		{"CN=Only", "Only"},
		{"CN=Name;O=Org;C=NZ", "Name"},
	}
	for _, c := range cases {
		n, err := ParseDN(c.in)
		if err != nil {
			t.Fatalf("ParseDN(%q) returned error: %v", c.in, err)
		}
		if n.CommonName != c.cn {
			t.Fatalf("ParseDN(%q): expected CN %q, got %q", c.in, c.cn, n.CommonName)
		}
	}
	if _, err := ParseDN("O=NoCommonName"); err == nil {
		t.Fatal("expected error for DN without CN")
	}
}

// TestGenerateRootAndReload verifies a generated root survives a save/load round trip.
func TestGenerateRootAndReload(t *testing.T) {
	name, _ := ParseDN("Unit Test Root")
	rc, err := GenerateRootCASelfSigned(name)
	if err != nil {
		t.Fatalf("GenerateRootCASelfSigned error: %v", err)
	}
	hasCert, hasKey := CheckPEMHasCertAndKey(rc.PEM())
	if !hasCert || !hasKey {
		t.Fatalf("combined PEM incomplete: cert=%v key=%v", hasCert, hasKey)
	}

	p := filepath.Join(t.TempDir(), "root.pem")
	if err := rc.SaveCombined(p); err != nil {
		t.Fatalf("SaveCombined: %v", err)
	}
	loaded, err := NewRootCAFromFiles(p, "", "")
	if err != nil {
		t.Fatalf("NewRootCAFromFiles: %v", err)
	}
	if loaded.Cert.Subject.CommonName != "Unit Test Root" {
		t.Fatalf("unexpected CN after load: %q", loaded.Cert.Subject.CommonName)
	}
}

func TestIssueBundleChainsToRoot(t *testing.T) {
	name, _ := ParseDN("CN=Bundle Root")
	root, err := GenerateRootCASelfSigned(name)
	if err != nil {
		t.Fatalf("generate root: %v", err)
	}
	b, err := root.IssueBundle("example.test")
	if err != nil {
		t.Fatalf("IssueBundle: %v", err)
	}

	var types []string
	remain := b
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		types = append(types, block.Type)
	}
	want := []string{"CERTIFICATE", "CERTIFICATE", "PRIVATE KEY"}
	if len(types) != len(want) {
		t.Fatalf("block types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("block types = %v, want %v", types, want)
		}
	}

	cert, err := tls.X509KeyPair(b, b)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(root.Cert)
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "example.test", Roots: pool}); err != nil {
		t.Fatalf("leaf does not verify against root: %v", err)
	}
}

func TestWriteBundleLayout(t *testing.T) {
	td := t.TempDir()
	b, err := SelfSignedBundle("203.0.113.100")
	if err != nil {
		t.Fatalf("SelfSignedBundle: %v", err)
	}
	p, err := WriteBundle(td, "203.0.113.100", b)
	if err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if p != filepath.Join(td, "ssl", "203.0.113.100.both.pem") {
		t.Fatalf("unexpected bundle path %s", p)
	}
	onDisk, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	block, _ := pem.Decode(onDisk)
	if block == nil {
		t.Fatal("bundle does not decode")
	}
	x, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	found := false
	for _, ip := range x.IPAddresses {
		if ip.Equal(net.ParseIP("203.0.113.100")) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected SAN IP 203.0.113.100")
	}
}
