// Package ocsp caches, fetches and validates OCSP revocation-status proofs
// for the certificates that signed logged messages.
package ocsp

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	xocsp "golang.org/x/crypto/ocsp"
)

// Validation failures. Each is returned wrapped with detail.
var (
	ErrMalformed          = errors.New("ocsp: malformed response")
	ErrMismatch           = errors.New("ocsp: response does not match certificate")
	ErrBadSignature       = errors.New("ocsp: response signature is invalid")
	ErrUnauthorizedSigner = errors.New("ocsp: responder is not authorized for issuer")
	ErrStale              = errors.New("ocsp: response is stale")
	ErrNotYetValid        = errors.New("ocsp: response thisUpdate is in the future")
	ErrUnknownIssuer      = errors.New("ocsp: issuer certificate not trusted")
)

// Status mirrors the OCSP certificate status.
type Status int

const (
	StatusGood    Status = Status(xocsp.Good)
	StatusRevoked Status = Status(xocsp.Revoked)
	StatusUnknown Status = Status(xocsp.Unknown)
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusRevoked:
		return "REVOKED"
	case StatusUnknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// StatusError is returned when a structurally valid response reports the
// certificate as revoked or unknown.
type StatusError struct {
	SubjectKey string
	Status     Status
	RevokedAt  time.Time
	Reason     int
}

func (e *StatusError) Error() string {
	if e.Status == StatusRevoked {
		return fmt.Sprintf("ocsp: certificate %s revoked at %s (reason %d)", e.SubjectKey, e.RevokedAt.UTC().Format(time.RFC3339), e.Reason)
	}
	return fmt.Sprintf("ocsp: certificate %s status is %s", e.SubjectKey, e.Status)
}

// IsFatal reports whether err means the certificate can never get a usable
// proof: it is revoked or unknown, or the responder answering for it cannot
// be trusted. Stale, malformed and transport errors are retryable.
func IsFatal(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrUnauthorizedSigner) ||
		errors.Is(err, ErrUnknownIssuer)
}

// SubjectKey is the cache identity of a certificate: hex SHA-256 of its DER.
func SubjectKey(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// VerifyOptions tune Verify.
type VerifyOptions struct {
	// SkipNextUpdate disables the nextUpdate checks.
	SkipNextUpdate bool
	// TrustedResponders are accepted as signers for any issuer.
	TrustedResponders []*x509.Certificate
	// Now overrides the verification time.
	Now time.Time
}

// Verifier validates OCSP responses.
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a verifier. A nil clock means time.Now.
func NewVerifier(now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{now: now}
}

// Verify checks raw against subject and issuer and returns the parsed
// response. The checks, in order: the response covers subject, the
// responder is known and authorized for issuer, the signature is valid,
// thisUpdate is not in the future and not older than freshness, and, unless
// disabled, nextUpdate lies in the future and within freshness of
// thisUpdate. A GOOD status passes; REVOKED and UNKNOWN yield *StatusError.
func (v *Verifier) Verify(raw []byte, subject, issuer *x509.Certificate, freshness time.Duration, opts VerifyOptions) (*xocsp.Response, error) {
	if subject == nil || issuer == nil {
		return nil, fmt.Errorf("%w: subject and issuer are required", ErrMalformed)
	}

	resp, err := xocsp.ParseResponseForCert(raw, subject, nil)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(subject.SerialNumber) != 0 {
		return nil, fmt.Errorf("%w: serial %v", ErrMismatch, resp.SerialNumber)
	}

	signer, err := findSigner(resp, issuer, opts.TrustedResponders)
	if err != nil {
		return nil, err
	}
	if !authorized(signer, issuer, opts.TrustedResponders) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer.Subject)
	}
	if err := resp.CheckSignatureFrom(signer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	now := opts.Now
	if now.IsZero() {
		now = v.now()
	}
	if resp.ThisUpdate.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrNotYetValid, resp.ThisUpdate.UTC().Format(time.RFC3339))
	}
	if freshness > 0 && resp.ThisUpdate.Before(now.Add(-freshness)) {
		return nil, fmt.Errorf("%w: thisUpdate %s older than %s", ErrStale, resp.ThisUpdate.UTC().Format(time.RFC3339), freshness)
	}
	if !opts.SkipNextUpdate && !resp.NextUpdate.IsZero() {
		if !resp.NextUpdate.After(now) {
			return nil, fmt.Errorf("%w: nextUpdate %s has passed", ErrStale, resp.NextUpdate.UTC().Format(time.RFC3339))
		}
		if freshness > 0 && resp.NextUpdate.Sub(resp.ThisUpdate) > freshness {
			return nil, fmt.Errorf("%w: nextUpdate %s beyond freshness window %s", ErrStale, resp.NextUpdate.UTC().Format(time.RFC3339), freshness)
		}
	}

	if Status(resp.Status) != StatusGood {
		return resp, &StatusError{
			SubjectKey: SubjectKey(subject),
			Status:     Status(resp.Status),
			RevokedAt:  resp.RevokedAt,
			Reason:     resp.RevocationReason,
		}
	}
	return resp, nil
}

func classifyParseError(err error) error {
	var pe xocsp.ParseError
	if errors.As(err, &pe) {
		msg := string(pe)
		switch {
		case strings.Contains(msg, "no response matching"):
			return fmt.Errorf("%w: %s", ErrMismatch, msg)
		case strings.Contains(msg, "signature"):
			return fmt.Errorf("%w: %s", ErrBadSignature, msg)
		}
	}
	var re xocsp.ResponseError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: responder returned %s", ErrMalformed, re.Status)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func findSigner(resp *xocsp.Response, issuer *x509.Certificate, trusted []*x509.Certificate) (*x509.Certificate, error) {
	if resp.Certificate != nil {
		return resp.Certificate, nil
	}
	candidates := append([]*x509.Certificate{issuer}, trusted...)
	for _, c := range candidates {
		if matchesResponderID(resp, c) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: responder certificate not found", ErrUnauthorizedSigner)
}

func matchesResponderID(resp *xocsp.Response, cert *x509.Certificate) bool {
	if len(resp.RawResponderName) > 0 {
		return bytes.Equal(resp.RawResponderName, cert.RawSubject)
	}
	if len(resp.ResponderKeyHash) > 0 {
		return bytes.Equal(resp.ResponderKeyHash, publicKeyHash(cert))
	}
	return false
}

// publicKeyHash is the SHA-1 of the subjectPublicKey BIT STRING contents, as
// used by the byKey ResponderID.
func publicKeyHash(cert *x509.Certificate) []byte {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil
	}
	sum := sha1.Sum(spki.PublicKey.RightAlign())
	return sum[:]
}

func authorized(signer, issuer *x509.Certificate, trusted []*x509.Certificate) bool {
	if bytes.Equal(signer.Raw, issuer.Raw) {
		return true
	}
	for _, t := range trusted {
		if bytes.Equal(signer.Raw, t.Raw) {
			return true
		}
	}
	if signer.CheckSignatureFrom(issuer) != nil {
		return false
	}
	for _, eku := range signer.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	return false
}
