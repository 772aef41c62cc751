// Package ocsptest provides an in-memory certificate authority and OCSP
// responder for tests.
package ocsptest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xocsp "golang.org/x/crypto/ocsp"
)

// PKI is a throwaway CA with a delegated OCSP responder.
type PKI struct {
	CA           *x509.Certificate
	CAKey        crypto.Signer
	Responder    *x509.Certificate
	ResponderKey crypto.Signer

	serial atomic.Int64
}

// NewPKI creates a self-signed CA and a responder certificate carrying the
// OCSPSigning extended key usage.
func NewPKI(t testing.TB) *PKI {
	t.Helper()

	p := &PKI{}
	p.serial.Store(1)

	caKey := newKey(t)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(p.serial.Add(1)),
		Subject:               pkix.Name{CommonName: "Test Gateway CA", Organization: []string{"Message Log Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	p.CA = createCert(t, caTemplate, caTemplate, caKey.Public(), caKey)
	p.CAKey = caKey

	respKey := newKey(t)
	p.Responder = createCert(t, &x509.Certificate{
		SerialNumber: big.NewInt(p.serial.Add(1)),
		Subject:      pkix.Name{CommonName: "Test OCSP Responder"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	}, p.CA, respKey.Public(), caKey)
	p.ResponderKey = respKey

	return p
}

// Issue creates a leaf certificate signed by the CA. ocspURL may be empty.
func (p *PKI) Issue(t testing.TB, cn, ocspURL string) *x509.Certificate {
	t.Helper()

	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(p.serial.Add(1)),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	return createCert(t, template, p.CA, key.Public(), p.CAKey)
}

// IssueUnauthorized creates a certificate signed by the CA that lacks the
// OCSPSigning usage, together with its key.
func (p *PKI) IssueUnauthorized(t testing.TB) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	key := newKey(t)
	cert := createCert(t, &x509.Certificate{
		SerialNumber: big.NewInt(p.serial.Add(1)),
		Subject:      pkix.Name{CommonName: "Not A Responder"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, p.CA, key.Public(), p.CAKey)
	return cert, key
}

// ResponseOptions describe a response to mint.
type ResponseOptions struct {
	Status     int
	ThisUpdate time.Time
	NextUpdate time.Time
	// Signer and SignerKey default to the delegated responder.
	Signer    *x509.Certificate
	SignerKey crypto.Signer
	// Embed places the signer certificate in the response.
	Embed bool
}

// Response mints a DER OCSP response for subject.
func (p *PKI) Response(t testing.TB, subject *x509.Certificate, opts ResponseOptions) []byte {
	t.Helper()

	signer, key := opts.Signer, opts.SignerKey
	if signer == nil {
		signer, key = p.Responder, p.ResponderKey
	}

	template := xocsp.Response{
		Status:       opts.Status,
		SerialNumber: subject.SerialNumber,
		ThisUpdate:   opts.ThisUpdate,
		NextUpdate:   opts.NextUpdate,
	}
	if opts.Status == xocsp.Revoked {
		template.RevokedAt = opts.ThisUpdate.Add(-time.Minute)
		template.RevocationReason = xocsp.KeyCompromise
	}
	if opts.Embed {
		template.Certificate = signer
	}

	der, err := xocsp.CreateResponse(p.CA, signer, template, key)
	if err != nil {
		t.Fatalf("failed to create OCSP response: %v", err)
	}
	return der
}

// Server is an HTTP OCSP responder answering from a status table.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	statuses map[string]int
	requests atomic.Int64
	pki      *PKI
	validity time.Duration
}

// NewServer starts a responder. Unknown serials answer GOOD.
func (p *PKI) NewServer(t testing.TB, validity time.Duration) *Server {
	t.Helper()

	s := &Server{statuses: make(map[string]int), pki: p, validity: validity}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetStatus sets the status returned for cert.
func (s *Server) SetStatus(cert *x509.Certificate, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[cert.SerialNumber.String()] = status
}

// Requests returns how many requests the responder served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := xocsp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	status := s.statuses[req.SerialNumber.String()]
	s.mu.Unlock()

	now := time.Now()
	template := xocsp.Response{
		Status:       status,
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(s.validity),
		Certificate:  s.pki.Responder,
	}
	if status == xocsp.Revoked {
		template.RevokedAt = now.Add(-time.Hour)
		template.RevocationReason = xocsp.KeyCompromise
	}
	der, err := xocsp.CreateResponse(s.pki.CA, s.pki.Responder, template, s.pki.ResponderKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Write(der)
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func createCert(t testing.TB, template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}
