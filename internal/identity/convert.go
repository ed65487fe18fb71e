package identity

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

// parseLeaf extracts the SPIFFE ID (from the URI SAN) and expiry of a PEM
// certificate chain's leaf certificate.
func parseLeaf(certPEM []byte) (spiffeID string, expiresAt time.Time, err error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", time.Time{}, errors.New("identity: no PEM block in cert file")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", time.Time{}, errors.Join(ErrParse, err)
	}

	for _, uri := range cert.URIs {
		if uri.Scheme == "spiffe" {
			return uri.String(), cert.NotAfter, nil
		}
	}

	return "", time.Time{}, errors.New("identity: certificate has no spiffe:// URI SAN")
}

// convertWorkloadSVID turns a go-spiffe X509SVID into our wire-agnostic SVID,
// PEM-encoding the chain and key exactly as the files-source variant does so
// both sources produce an identical shape downstream.
func convertWorkloadSVID(svid *x509svid.SVID) (SVID, error) {
	certPEM, keyPEM, err := x509svid.Marshal(svid)
	if err != nil {
		return SVID{}, err
	}

	var expiresAt time.Time
	if len(svid.Certificates) > 0 {
		expiresAt = svid.Certificates[0].NotAfter
	}

	return SVID{
		SPIFFEID:  svid.ID.String(),
		CertChain: certPEM,
		Key:       keyPEM,
		Bundle:    nil, // filled in by caller from the matching trust bundle
		ExpiresAt: expiresAt,
	}, nil
}
