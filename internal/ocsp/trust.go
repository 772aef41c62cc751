package ocsp

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// TrustStore holds the CA certificates that issue signer certificates and
// any OCSP responders trusted independently of an issuer.
type TrustStore struct {
	issuers    []*x509.Certificate
	responders []*x509.Certificate
}

// NewTrustStore creates a trust store from parsed certificates.
func NewTrustStore(issuers, responders []*x509.Certificate) *TrustStore {
	return &TrustStore{issuers: issuers, responders: responders}
}

// LoadTrustStore reads PEM bundles. responderPath may be empty.
func LoadTrustStore(issuerPath, responderPath string) (*TrustStore, error) {
	data, err := os.ReadFile(issuerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer bundle: %w", err)
	}
	issuers, err := ParsePEMCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer bundle: %w", err)
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("issuer bundle %s contains no certificates", issuerPath)
	}

	var responders []*x509.Certificate
	if responderPath != "" {
		data, err := os.ReadFile(responderPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read responder bundle: %w", err)
		}
		if responders, err = ParsePEMCertificates(data); err != nil {
			return nil, fmt.Errorf("failed to parse responder bundle: %w", err)
		}
	}

	return NewTrustStore(issuers, responders), nil
}

// ParsePEMCertificates decodes every CERTIFICATE block in data.
func ParsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// IssuerOf finds the trusted CA that signed cert.
func (t *TrustStore) IssuerOf(cert *x509.Certificate) (*x509.Certificate, error) {
	for _, ca := range t.issuers {
		if !bytes.Equal(cert.RawIssuer, ca.RawSubject) {
			continue
		}
		if err := cert.CheckSignatureFrom(ca); err == nil {
			return ca, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, cert.Issuer)
}

// Responders returns the independently trusted OCSP responders.
func (t *TrustStore) Responders() []*x509.Certificate {
	return t.responders
}
