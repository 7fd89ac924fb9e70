// Package tlsutil configures TLS for the ops HTTP servers, grounded on
// page-server's internal/server/tls.go.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
)

// Configure sets up server.TLSConfig when tlsEnabled, loading the
// given certificate/key pair. A no-op when tlsEnabled is false.
func Configure(server *http.Server, tlsEnabled bool, certFile, keyFile string) error {
	if !tlsEnabled {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("tlsutil: TLS enabled but certificate or key file not specified")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("tlsutil: load certificate: %w", err)
	}

	server.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}
	log.Printf("tlsutil: TLS enabled with certificate %s", certFile)
	return nil
}
