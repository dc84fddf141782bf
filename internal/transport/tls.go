package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type TLSOptions struct {
	// CACertFile is the server CA bundle. The system pool is used when empty.
	CACertFile string
	// ClientCertFile holds the client certificate in PEM form. The private
	// key may live in the same file.
	ClientCertFile string
	// ClientKeyFile defaults to ClientCertFile.
	ClientKeyFile string
	// InsecureFallback switches to trust-all TLS instead of failing when the
	// certificates cannot be loaded.
	InsecureFallback bool
}

type TLSSetup struct {
	Config      *tls.Config
	Certificate *x509.Certificate
	Degraded    bool
}

// NewTLSConfig builds the client TLS configuration. When loading the
// certificates fails and opts.InsecureFallback is set, the returned setup
// skips server verification, carries no client certificate and is marked
// Degraded; the failure is logged.
func NewTLSConfig(opts *TLSOptions, logger logrus.FieldLogger) (*TLSSetup, error) {
	conf, cert, err := createTLSConfig(opts)
	if err == nil {
		return &TLSSetup{Config: conf, Certificate: cert}, nil
	}
	if !opts.InsecureFallback {
		return nil, err
	}

	logger.WithError(err).WithFields(logrus.Fields{
		"ca_cert":     opts.CACertFile,
		"client_cert": opts.ClientCertFile,
	}).Warn("certificate setup failed, falling back to trust-all TLS: the server identity is not verified and no client certificate is sent")

	return &TLSSetup{
		Config: &tls.Config{
			// #nosec G402
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
			Renegotiation:      tls.RenegotiateOnceAsClient,
		},
		Degraded: true,
	}, nil
}

func createTLSConfig(opts *TLSOptions) (*tls.Config, *x509.Certificate, error) {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Koji needs TLS renegotiation for certificate logins
		Renegotiation: tls.RenegotiateOnceAsClient,
	}

	if opts.CACertFile != "" {
		caCertPEM, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot read CA certificate: %w", err)
		}

		roots := x509.NewCertPool()
		ok := roots.AppendCertsFromPEM(caCertPEM)
		if !ok {
			return nil, nil, fmt.Errorf("failed to append root certificate from %s", opts.CACertFile)
		}
		conf.RootCAs = roots
	}

	var leaf *x509.Certificate
	if opts.ClientCertFile != "" {
		cert, parsed, err := LoadClientCertificate(opts.ClientCertFile, opts.ClientKeyFile)
		if err != nil {
			return nil, nil, err
		}
		conf.Certificates = []tls.Certificate{cert}
		leaf = parsed
	}

	return conf, leaf, nil
}

// LoadClientCertificate loads a PEM key pair. keyFile may be empty when the
// key is stored next to the certificate.
func LoadClientCertificate(certFile, keyFile string) (tls.Certificate, *x509.Certificate, error) {
	if keyFile == "" {
		keyFile = certFile
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("cannot load client certificate %s: %w", certFile, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("cannot parse client certificate %s: %w", certFile, err)
	}
	cert.Leaf = leaf
	return cert, leaf, nil
}

var peerAlerts = []string{
	"bad certificate",
	"revoked certificate",
	"expired certificate",
	"unknown certificate",
	"certificate required",
	"unknown certificate authority",
}

// IsPeerVerificationFailure reports whether err comes from a failed TLS
// trust decision, either ours about the server or the server's about our
// client certificate.
func IsPeerVerificationFailure(err error) bool {
	if err == nil {
		return false
	}

	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var verification *tls.CertificateVerificationError
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalid) || errors.As(err, &verification) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" && opErr.Err != nil {
		msg := opErr.Err.Error()
		for _, alert := range peerAlerts {
			if strings.Contains(msg, alert) {
				return true
			}
		}
	}

	return false
}
