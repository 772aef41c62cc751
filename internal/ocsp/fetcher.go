package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	xocsp "golang.org/x/crypto/ocsp"
	"golang.org/x/time/rate"
)

// ErrNoResponder is returned when a certificate names no OCSP responder and
// no override URL is configured.
var ErrNoResponder = errors.New("ocsp: no responder URL for certificate")

// Fetcher retrieves a raw OCSP response for subject.
type Fetcher interface {
	Fetch(ctx context.Context, subject, issuer *x509.Certificate) ([]byte, error)
}

// FetcherConfig configures HTTPFetcher.
type FetcherConfig struct {
	// ResponderURL, when set, is used instead of the certificate's AIA URLs.
	ResponderURL string
	Timeout      time.Duration
	// RequestsPerSecond limits outbound responder traffic. 0 disables it.
	RequestsPerSecond float64
	Burst             int
	MaxResponseSize   int64
}

// HTTPFetcher implements RFC 6960 POST requests.
type HTTPFetcher struct {
	cfg        FetcherConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 1 << 20
	}

	f := &HTTPFetcher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f
}

// Fetch tries each responder URL in turn and returns the first successful
// body.
func (f *HTTPFetcher) Fetch(ctx context.Context, subject, issuer *x509.Certificate) ([]byte, error) {
	urls := subject.OCSPServer
	if f.cfg.ResponderURL != "" {
		urls = []string{f.cfg.ResponderURL}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject.Subject)
	}

	req, err := xocsp.CreateRequest(subject, issuer, &xocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, url := range urls {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, err := f.post(ctx, url, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *HTTPFetcher) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("OCSP request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP responder %s returned HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read OCSP response from %s: %w", url, err)
	}
	return data, nil
}
