package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles names the certificate material for a mutually authenticated
// broker connection.
type TLSFiles struct {
	// CAPath is the PEM file with the CA certificate(s) the broker's
	// certificate must chain to.
	CAPath string

	// CertPath and KeyPath are the PEM files with the server's client
	// certificate and private key.
	CertPath string
	KeyPath  string
}

// NewTLSConfig builds the tls.Config for the broker connection from
// the given files.
func NewTLSConfig(files TLSFiles) (*tls.Config, error) {
	caPEM, err := os.ReadFile(files.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no CA certificate found in %s", files.CAPath)
	}

	cert, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}
