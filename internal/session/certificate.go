package session

import (
	"crypto/x509"
	"time"

	"github.com/fedora-packager/hubclient/internal/transport"
)

// CertificateStatus explains a failed certificate based login.
type CertificateStatus struct {
	Certificate *x509.Certificate
	// Failure is the error the login returned, if any.
	Failure error
	// Now defaults to time.Now.
	Now func() time.Time
}

func (s CertificateStatus) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// IsCertificateExpired is true when the certificate is outside its
// validity period.
func (s CertificateStatus) IsCertificateExpired() bool {
	if s.Certificate == nil {
		return false
	}
	now := s.now()
	return now.After(s.Certificate.NotAfter) || now.Before(s.Certificate.NotBefore)
}

// IsCertificateRevoked infers revocation: the peer rejected a certificate
// that has not expired.
func (s CertificateStatus) IsCertificateRevoked() bool {
	return !s.IsCertificateExpired() && transport.IsPeerVerificationFailure(s.Failure)
}

func UsernameFromCertificate(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}
