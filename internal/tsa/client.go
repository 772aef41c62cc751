package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/serbia-gov/messagelog/internal/shared/metrics"
)

var (
	ErrNoURLs            = errors.New("tsa: no time-stamping authority configured")
	ErrMalformedResponse = errors.New("tsa: malformed response")
	ErrImprintMismatch   = errors.New("tsa: token does not cover the requested digest")
	ErrNonceMismatch     = errors.New("tsa: token nonce does not match request")
)

// Token is a granted timestamp.
type Token struct {
	// URL of the authority that issued the token.
	URL string
	// Raw is the DER TimeStampToken (CMS SignedData).
	Raw []byte
	// Time is the genTime asserted by the authority.
	Time         time.Time
	SerialNumber *big.Int
}

// FailoverError collects the per-endpoint failures of one Timestamp call.
type FailoverError struct {
	Attempts []error
}

func (e *FailoverError) Error() string {
	msg := fmt.Sprintf("tsa: all %d endpoints failed", len(e.Attempts))
	for _, err := range e.Attempts {
		msg += "; " + err.Error()
	}
	return msg
}

func (e *FailoverError) Unwrap() []error {
	return e.Attempts
}

// EndpointStatus is the last observed outcome of an endpoint.
type EndpointStatus struct {
	URL       string    `json:"url"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Client requests RFC 3161 timestamps.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.RWMutex
	status map[string]EndpointStatus
}

// NewClient creates a client. It fails when no URL is configured.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, ErrNoURLs
	}
	def := DefaultClientConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = def.MaxResponseSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
		status:     make(map[string]EndpointStatus),
	}, nil
}

// URLs returns the configured endpoints in order.
func (c *Client) URLs() []string {
	return append([]string(nil), c.cfg.URLs...)
}

// Timestamp requests a token over digest, trying each endpoint in order
// until one grants it. ctx bounds the whole call.
func (c *Client) Timestamp(ctx context.Context, digest []byte, alg crypto.Hash) (*Token, error) {
	failures := &FailoverError{}
	for _, url := range c.cfg.URLs {
		if err := ctx.Err(); err != nil {
			failures.Attempts = append(failures.Attempts, fmt.Errorf("tsa %s: %w", url, err))
			break
		}

		start := time.Now()
		tok, err := c.request(ctx, url, digest, alg)
		metrics.RecordTSARequest(url, err == nil, time.Since(start))
		c.record(url, err)

		if err == nil {
			return tok, nil
		}
		c.logger.Warn("time-stamping authority failed",
			slog.String("url", url), slog.String("error", err.Error()))
		failures.Attempts = append(failures.Attempts, err)
	}
	return nil, failures
}

func (c *Client) request(ctx context.Context, url string, digest []byte, alg crypto.Hash) (*Token, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := timestamp.Request{
		HashAlgorithm: alg,
		HashedMessage: digest,
		Certificates:  c.cfg.RequestCertificates,
		Nonce:         nonce,
	}
	body, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tsa %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tsa %s returned HTTP %d", url, resp.StatusCode)
	}

	der, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("tsa %s: failed to read response: %w", url, err)
	}

	raw, err := splitResponse(url, der)
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, url, err)
	}
	if ts.HashAlgorithm != alg || !bytes.Equal(ts.HashedMessage, digest) {
		return nil, fmt.Errorf("%w: %s", ErrImprintMismatch, url)
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: %s", ErrNonceMismatch, url)
	}

	return &Token{
		URL:          url,
		Raw:          raw,
		Time:         ts.Time,
		SerialNumber: ts.SerialNumber,
	}, nil
}

func (c *Client) record(url string, err error) {
	st := EndpointStatus{URL: url, OK: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		st.Error = err.Error()
	}
	c.mu.Lock()
	c.status[url] = st
	c.mu.Unlock()
}

// Status returns the last outcome per endpoint, in configured order.
// Endpoints never contacted are omitted.
func (c *Client) Status() []EndpointStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(c.status))
	for _, url := range c.cfg.URLs {
		if st, ok := c.status[url]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Verify checks that token is a well-formed timestamp over digest.
func Verify(token, digest []byte) (*timestamp.Timestamp, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !bytes.Equal(ts.HashedMessage, digest) {
		return nil, ErrImprintMismatch
	}
	return ts, nil
}
