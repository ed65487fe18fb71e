// Package identity implements C1: fetching and rotating the agent's
// workload identity (a SPIFFE SVID) and deriving a live mTLS configuration
// from it.
package identity

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"
)

var (
	ErrNoSVID            = errors.New("identity: no svid")
	ErrSVIDExpired       = errors.New("identity: svid expired")
	ErrSPIFFEConfig      = errors.New("identity: invalid spiffe configuration")
	ErrWorkloadAPIDown   = errors.New("identity: workload api unavailable")
	ErrParse             = errors.New("identity: parse error")
)

// SVID is a SPIFFE Verifiable Identity Document: a short-lived X.509
// certificate whose identity is encoded in a URI SAN.
type SVID struct {
	SPIFFEID  string // spiffe://<trust-domain><path>
	CertChain []byte // PEM
	Key       []byte // PEM
	Bundle    []byte // PEM trust bundle
	ExpiresAt time.Time
}

// Expired reports whether the SVID's certificate has already expired.
func (s SVID) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// NeedsRotation reports whether the SVID's expiry is within margin.
func (s SVID) NeedsRotation(margin time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(s.ExpiresAt)
}

// tlsConfigFromSVID builds a client mTLS config from an SVID. Hostname verification
// is disabled because SPIFFE identity lives in the URI SAN, not the DNS SAN;
// peer verification is still performed against the trust bundle via
// VerifyPeerCertificate.
func tlsConfigFromSVID(s SVID) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(s.CertChain, s.Key)
	if err != nil {
		return nil, errors.Join(ErrParse, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(s.Bundle) {
		return nil, errors.Join(ErrParse, errors.New("no trust bundle certificates"))
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		ClientCAs:          pool,
		InsecureSkipVerify: true, // disables Go's built-in chain and hostname checks
		VerifyPeerCertificate: verifyAgainstPool(pool),
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// verifyAgainstPool returns a VerifyPeerCertificate callback that performs
// standard chain verification against pool since InsecureSkipVerify skips
// Go's built-in verification entirely.
func verifyAgainstPool(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("identity: no peer certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}

		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			intermediates.AddCert(cert)
		}

		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}
