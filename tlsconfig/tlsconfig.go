// Package tlsconfig loads the server's TLS credentials from disk and pins
// the ALPN for the selected wire mode.
package tlsconfig

import (
	"crypto/tls"
	"os"

	"github.com/pkg/errors"
)

// ServerConfig builds the TLS configuration for the listening endpoint from
// a PEM certificate chain and a PKCS#8 private key. Exactly one ALPN is
// advertised; the connection's negotiated protocol selects the dispatcher.
func ServerConfig(certPath, keyPath, alpn string) (*tls.Config, error) {
	if _, err := os.Stat(certPath); err != nil {
		return nil, errors.Wrapf(err, "certificate file %s not found", certPath)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return nil, errors.Wrapf(err, "private key file %s not found", keyPath)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing X509 key pair")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpn},
	}, nil
}
