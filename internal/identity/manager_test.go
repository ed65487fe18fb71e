package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSignedSVID builds a self-signed leaf with a spiffe:// URI SAN,
// PEM-encodes it alongside its own cert as a trust bundle, and returns
// certPEM, keyPEM, bundlePEM for use as a filesSource fixture.
func selfSignedSVID(t *testing.T, spiffeID string, notAfter time.Time) (certPEM, keyPEM, bundlePEM []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	uri, err := url.Parse(spiffeID)
	if err != nil {
		t.Fatalf("parse spiffe id: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		URIs:         []*url.URL{uri},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, certPEM
}

func writeFixture(t *testing.T, dir string, certPEM, keyPEM, bundlePEM []byte) (certPath, keyPath, bundlePath string) {
	t.Helper()
	certPath = filepath.Join(dir, "svid.pem")
	keyPath = filepath.Join(dir, "svid_key.pem")
	bundlePath = filepath.Join(dir, "bundle.pem")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(bundlePath, bundlePEM, 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return certPath, keyPath, bundlePath
}

func TestManagerDisabledStartIsNoop(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start on a disabled manager should no-op, got: %v", err)
	}
	if _, err := m.GetSVID(); err != ErrNoSVID {
		t.Errorf("expected ErrNoSVID, got %v", err)
	}
}

func TestManagerFetchesAndExposesTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, bundlePEM := selfSignedSVID(t, "spiffe://example.org/agent/host1", time.Now().Add(time.Hour))
	certPath, keyPath, bundlePath := writeFixture(t, dir, certPEM, keyPEM, bundlePEM)

	m, err := NewManager(Config{
		Enabled:    true,
		Source:     SourceFiles,
		CertPath:   certPath,
		KeyPath:    keyPath,
		BundlePath: bundlePath,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	svid, err := m.GetSVID()
	if err != nil {
		t.Fatalf("GetSVID: %v", err)
	}
	if svid.SPIFFEID != "spiffe://example.org/agent/host1" {
		t.Errorf("got spiffe id %q", svid.SPIFFEID)
	}

	tlsCfg := m.GetTLSConfig()
	if tlsCfg == nil {
		t.Fatal("expected a non-nil tls config")
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("expected exactly one certificate in tls config")
	}
}

func TestManagerRejectsExpiredSVIDOnFetch(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, bundlePEM := selfSignedSVID(t, "spiffe://example.org/agent/host2", time.Now().Add(-time.Hour))
	certPath, keyPath, bundlePath := writeFixture(t, dir, certPEM, keyPEM, bundlePEM)

	m, err := NewManager(Config{
		Enabled:    true,
		Source:     SourceFiles,
		CertPath:   certPath,
		KeyPath:    keyPath,
		BundlePath: bundlePath,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if _, err := m.GetSVID(); err != ErrSVIDExpired {
		t.Errorf("expected ErrSVIDExpired, got %v", err)
	}
}

func TestManagerOnRotationCallback(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, bundlePEM := selfSignedSVID(t, "spiffe://example.org/agent/host3", time.Now().Add(time.Hour))
	certPath, keyPath, bundlePath := writeFixture(t, dir, certPEM, keyPEM, bundlePEM)

	m, err := NewManager(Config{
		Enabled:    true,
		Source:     SourceFiles,
		CertPath:   certPath,
		KeyPath:    keyPath,
		BundlePath: bundlePath,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	seen := make(chan SVID, 1)
	m.OnRotation(func(s SVID) { seen <- s })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	select {
	case s := <-seen:
		if s.SPIFFEID != "spiffe://example.org/agent/host3" {
			t.Errorf("got %q in rotation callback", s.SPIFFEID)
		}
	case <-time.After(time.Second):
		t.Fatal("OnRotation callback was not invoked on the initial fetch")
	}
}

func TestSVIDNeedsRotation(t *testing.T) {
	s := SVID{ExpiresAt: time.Now().Add(time.Minute)}
	if !s.NeedsRotation(5 * time.Minute) {
		t.Error("expected NeedsRotation to report true when expiry is within margin")
	}
	if s.NeedsRotation(0) {
		t.Error("expected NeedsRotation to report false with zero margin and a future expiry")
	}
}
