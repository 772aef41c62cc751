package tsa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/digitorus/timestamp"
)

// Server implements an RFC 3161 Time Stamping Authority.
type Server struct {
	config *Config
	policy asn1.ObjectIdentifier
	mu     sync.RWMutex
}

// NewServer creates a new TSA server with the given configuration.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	policy, err := parseOID(config.PolicyOID)
	if err != nil {
		return nil, fmt.Errorf("invalid policy OID: %w", err)
	}

	return &Server{config: config, policy: policy}, nil
}

// NewServerWithGeneratedCert creates a TSA server with a self-signed certificate.
// This is useful for development/testing. In production, use proper PKI certificates.
func NewServerWithGeneratedCert(orgName string) (*Server, error) {
	config := DefaultConfig()
	cert, key, err := GenerateCertificate(orgName)
	if err != nil {
		return nil, err
	}
	config.Certificate = cert
	config.PrivateKey = key
	return NewServer(config)
}

// GenerateCertificate creates a self-signed time-stamping certificate and
// its RSA key.
func GenerateCertificate(orgName string) (*x509.Certificate, crypto.Signer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Time Stamping Authority"},
			Country:            []string{"RS"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, privateKey, nil
}

// SetEnabled toggles whether requests are granted. A disabled server
// answers every request with a rejection.
func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Enabled = enabled
}

// Respond answers a DER TimeStampReq with a DER TimeStampResp.
func (s *Server) Respond(query []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.config.Enabled {
		return rejectionResponse(StatusRejection, FailSystemFailure, "time-stamping authority is disabled")
	}
	if s.config.Certificate == nil || s.config.PrivateKey == nil {
		return rejectionResponse(StatusRejection, FailSystemFailure, "signing certificate not configured")
	}

	req, err := timestamp.ParseRequest(query)
	if err != nil {
		return rejectionResponse(StatusRejection, FailBadDataFormat, err.Error())
	}
	if req.HashAlgorithm == 0 || !req.HashAlgorithm.Available() || len(req.HashedMessage) != req.HashAlgorithm.Size() {
		return rejectionResponse(StatusRejection, FailBadAlg, "unsupported message imprint")
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              s.config.Clock().UTC(),
		Accuracy:          s.config.Accuracy,
		Nonce:             req.Nonce,
		Policy:            s.policy,
		AddTSACertificate: req.Certificates,
	}
	return ts.CreateResponseWithOpts(s.config.Certificate, s.config.PrivateKey, crypto.SHA256)
}

// ServeHTTP implements the RFC 3161 HTTP transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64*1024))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := s.Respond(query)
	if err != nil {
		http.Error(w, "failed to create timestamp", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/timestamp-reply")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// GetCertificate returns the TSA certificate.
func (s *Server) GetCertificate() *x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Certificate
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%q has fewer than two arcs", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%q: bad arc %q", s, p)
		}
		oid[i] = n
	}
	return oid, nil
}
