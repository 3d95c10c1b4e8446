// Package security handles TLS material for the SMTP listeners.
package security

import (
	"crypto/tls"
	"fmt"

	"github.com/courier-mta/courierd/internal/config"
)

// TLSManager loads and holds the server certificate.
type TLSManager struct {
	tlsConfig *tls.Config
}

// NewTLSManager builds a TLS config from the configured cert/key pair.
// Returns a manager with no TLS when neither path is set.
func NewTLSManager(cfg *config.Config) (*TLSManager, error) {
	manager := &TLSManager{}

	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}

		manager.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return manager, nil
}

// TLSConfig returns the TLS configuration, nil when TLS is not configured.
func (m *TLSManager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// HasTLS reports whether a certificate is loaded.
func (m *TLSManager) HasTLS() bool {
	return m.tlsConfig != nil
}
