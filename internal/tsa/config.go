// Package tsa talks RFC 3161 to time-stamping authorities. The Client
// stamps hash chain roots against an ordered list of TSA endpoints; the
// Server is a self-contained authority for development and tests.
package tsa

import (
	"crypto"
	"crypto/x509"
	"time"
)

// ClientConfig configures the TSA client.
type ClientConfig struct {
	// URLs are tried in order; later entries are fallbacks.
	URLs []string

	// ConnectTimeout bounds TCP connection setup per endpoint.
	ConnectTimeout time.Duration

	// ReadTimeout bounds waiting for the response per endpoint.
	ReadTimeout time.Duration

	// RequestCertificates asks the TSA to embed its signing certificate
	// so the token can be verified on its own.
	RequestCertificates bool

	// MaxResponseSize caps the accepted response body.
	MaxResponseSize int64
}

// DefaultClientConfig returns client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:      20 * time.Second,
		ReadTimeout:         60 * time.Second,
		RequestCertificates: true,
		MaxResponseSize:     1 << 20,
	}
}

// Config holds development TSA server configuration.
type Config struct {
	// Enabled controls whether the TSA grants requests
	Enabled bool

	// PolicyOID is the timestamp policy OID (e.g., "1.2.3.4.1")
	PolicyOID string

	// Certificate is the TSA signing certificate
	Certificate *x509.Certificate

	// PrivateKey is the TSA private key for signing
	PrivateKey crypto.Signer

	// Accuracy claimed in issued tokens
	Accuracy time.Duration

	// Clock overrides time.Now for genTime
	Clock func() time.Time
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		PolicyOID: "1.3.6.1.4.1.99999.1.1",
		Accuracy:  time.Second,
	}
}
