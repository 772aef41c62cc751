package ocsp

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/serbia-gov/messagelog/internal/shared/metrics"
)

// Proof is a verified OCSP response for one signer certificate.
type Proof struct {
	SubjectKey string
	Response   []byte
	ThisUpdate time.Time
	NextUpdate time.Time
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Freshness bounds the age of an archived proof.
	Freshness time.Duration
	// SkipNextUpdate disables nextUpdate verification.
	SkipNextUpdate bool
}

// Provider hands out fresh, verified proofs, refreshing from the responder
// when the cached one is missing or no longer acceptable.
type Provider struct {
	cfg      ProviderConfig
	cache    *Cache
	verifier *Verifier
	fetcher  Fetcher
	trust    *TrustStore
	logger   *slog.Logger
}

// NewProvider creates a proof provider.
func NewProvider(cfg ProviderConfig, cache *Cache, verifier *Verifier, fetcher Fetcher, trust *TrustStore, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:      cfg,
		cache:    cache,
		verifier: verifier,
		fetcher:  fetcher,
		trust:    trust,
		logger:   logger,
	}
}

// Proof returns a verified proof for the DER-encoded certificate. A cached
// response is reused only if it still passes verification; otherwise a new
// one is fetched synchronously. Errors for which IsFatal is true mean the
// certificate must not be archived as valid.
func (p *Provider) Proof(ctx context.Context, certDER []byte) (*Proof, error) {
	subject, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: signer certificate: %v", ErrMismatch, err)
	}
	issuer, err := p.trust.IssuerOf(subject)
	if err != nil {
		return nil, err
	}

	key := SubjectKey(subject)
	opts := VerifyOptions{
		SkipNextUpdate:    p.cfg.SkipNextUpdate,
		TrustedResponders: p.trust.Responders(),
	}

	if cached := p.cache.Get(key); cached != nil {
		_, err := p.verifier.Verify(cached.Response, subject, issuer, p.cfg.Freshness, opts)
		if err == nil {
			metrics.RecordOCSPLookup("hit")
			return entryProof(cached), nil
		}
		if _, ok := err.(*StatusError); ok {
			metrics.RecordOCSPLookup("hit")
			return nil, err
		}
		p.logger.Debug("cached OCSP response not acceptable, refreshing",
			slog.String("subject_key", key), slog.String("error", err.Error()))
	}
	metrics.RecordOCSPLookup("miss")

	raw, err := p.fetcher.Fetch(ctx, subject, issuer)
	if err != nil {
		metrics.RecordOCSPFetch("error")
		return nil, fmt.Errorf("failed to fetch OCSP response: %w", err)
	}

	resp, verr := p.verifier.Verify(raw, subject, issuer, p.cfg.Freshness, opts)
	if verr != nil {
		metrics.RecordOCSPFetch("invalid")
		if _, ok := verr.(*StatusError); ok && resp != nil {
			p.cache.Put(&Entry{SubjectKey: key, Response: raw, ThisUpdate: resp.ThisUpdate, NextUpdate: resp.NextUpdate})
		}
		return nil, verr
	}
	metrics.RecordOCSPFetch("ok")

	entry := &Entry{
		SubjectKey: key,
		Response:   raw,
		ThisUpdate: resp.ThisUpdate,
		NextUpdate: resp.NextUpdate,
	}
	if entry.NextUpdate.IsZero() && p.cfg.Freshness > 0 {
		entry.NextUpdate = resp.ThisUpdate.Add(p.cfg.Freshness)
	}
	p.cache.Put(entry)
	return entryProof(entry), nil
}

func entryProof(e *Entry) *Proof {
	return &Proof{
		SubjectKey: e.SubjectKey,
		Response:   e.Response,
		ThisUpdate: e.ThisUpdate,
		NextUpdate: e.NextUpdate,
	}
}
