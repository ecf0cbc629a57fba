package methods

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// CertificateProvider provides the root certificate pool used to verify the
// hub's certificate.
type CertificateProvider interface {
	GetRootCAs() (*x509.CertPool, error)
}

// SystemCertificateProvider returns the host's trust store.
type SystemCertificateProvider struct{}

func (SystemCertificateProvider) GetRootCAs() (*x509.CertPool, error) {
	return x509.SystemCertPool()
}

// FileCertificateProvider reads a PEM bundle.
type FileCertificateProvider struct {
	Path string
}

func (p FileCertificateProvider) GetRootCAs() (*x509.CertPool, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", p.Path)
	}
	return pool, nil
}

// ClientTLSConfig builds the TLS settings for a grpcs endpoint.
func ClientTLSConfig(cp CertificateProvider) (*tls.Config, error) {
	rootCAs, err := cp.GetRootCAs()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}, nil
}
