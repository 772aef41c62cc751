package tsa

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
)

func newDevServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServerWithGeneratedCert("Test Agency")
	if err != nil {
		t.Fatalf("Failed to create TSA server: %v", err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs
}

func TestClientTimestampGranted(t *testing.T) {
	_, hs := newDevServer(t)

	client, err := NewClient(ClientConfig{URLs: []string{hs.URL}, RequestCertificates: true}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	digest := sha256.Sum256([]byte("batch root"))
	tok, err := client.Timestamp(context.Background(), digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}

	if tok.URL != hs.URL {
		t.Errorf("Expected URL %s, got %s", hs.URL, tok.URL)
	}
	if len(tok.Raw) == 0 {
		t.Error("Expected raw token")
	}
	if time.Since(tok.Time) > time.Minute {
		t.Errorf("Unexpected genTime %s", tok.Time)
	}

	if _, err := Verify(tok.Raw, digest[:]); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	other := sha256.Sum256([]byte("something else"))
	if _, err := Verify(tok.Raw, other[:]); !errors.Is(err, ErrImprintMismatch) {
		t.Errorf("Expected ErrImprintMismatch, got %v", err)
	}
}

func TestClientFallsBackToNextURL(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	_, secondary := newDevServer(t)

	client, _ := NewClient(ClientConfig{URLs: []string{primary.URL, secondary.URL}}, nil)

	digest := sha256.Sum256([]byte("root"))
	tok, err := client.Timestamp(context.Background(), digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Expected fallback to succeed, got %v", err)
	}
	if tok.URL != secondary.URL {
		t.Errorf("Expected token from fallback %s, got %s", secondary.URL, tok.URL)
	}
	if primaryHits.Load() != 1 {
		t.Errorf("Expected primary to be tried once, got %d", primaryHits.Load())
	}

	status := client.Status()
	if len(status) != 2 {
		t.Fatalf("Expected 2 endpoint statuses, got %d", len(status))
	}
	if status[0].OK || !status[1].OK {
		t.Errorf("Unexpected endpoint statuses: %+v", status)
	}
}

func TestClientStructuredRejection(t *testing.T) {
	srv, hs := newDevServer(t)
	srv.SetEnabled(false)

	client, _ := NewClient(ClientConfig{URLs: []string{hs.URL}}, nil)

	digest := sha256.Sum256([]byte("root"))
	_, err := client.Timestamp(context.Background(), digest[:], crypto.SHA256)

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected RejectionError, got %v", err)
	}
	if rej.Status != StatusRejection {
		t.Errorf("Expected status %d, got %d", StatusRejection, rej.Status)
	}
	if len(rej.FailInfo) != 1 || rej.FailInfo[0] != FailSystemFailure {
		t.Errorf("Expected systemFailure bit, got %v", rej.FailInfo)
	}
	if rej.Text == "" {
		t.Error("Expected rejection text")
	}
}

func TestClientMalformedResponse(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("definitely not DER"))
	}))
	defer hs.Close()

	client, _ := NewClient(ClientConfig{URLs: []string{hs.URL}}, nil)

	digest := sha256.Sum256([]byte("root"))
	_, err := client.Timestamp(context.Background(), digest[:], crypto.SHA256)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestClientHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer hs.Close()
	defer close(release)

	client, _ := NewClient(ClientConfig{URLs: []string{hs.URL}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	digest := sha256.Sum256([]byte("root"))
	start := time.Now()
	_, err := client.Timestamp(ctx, digest[:], crypto.SHA256)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Timestamp did not respect the context deadline")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}, nil); !errors.Is(err, ErrNoURLs) {
		t.Errorf("Expected ErrNoURLs, got %v", err)
	}
}

func TestRejectionRoundTrip(t *testing.T) {
	der, err := rejectionResponse(StatusWaiting, FailTimeNotAvailable, "busy")
	if err != nil {
		t.Fatalf("rejectionResponse failed: %v", err)
	}
	_, err = splitResponse("test", der)

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected RejectionError, got %v", err)
	}
	if rej.Status != StatusWaiting || rej.Text != "busy" {
		t.Errorf("Unexpected rejection %+v", rej)
	}
	if len(rej.FailInfo) != 1 || rej.FailInfo[0] != FailTimeNotAvailable {
		t.Errorf("Expected timeNotAvailable bit, got %v", rej.FailInfo)
	}
}

func TestRejectionTextIsUTF8String(t *testing.T) {
	der, err := rejectionResponse(StatusRejection, FailSystemFailure, "authority disabled")
	if err != nil {
		t.Fatalf("rejectionResponse failed: %v", err)
	}

	var resp timeStampResp
	if _, err := asn1.Unmarshal(der, &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(resp.Status.StatusString) != 1 {
		t.Fatalf("Expected one free text element, got %d", len(resp.Status.StatusString))
	}
	if tag := resp.Status.StatusString[0].Tag; tag != asn1.TagUTF8String {
		t.Errorf("Expected UTF8String tag %d, got %d", asn1.TagUTF8String, tag)
	}
}

func TestSplitResponseJoinsFreeText(t *testing.T) {
	ft, err := freeText("busy", "retry later")
	if err != nil {
		t.Fatalf("freeText failed: %v", err)
	}
	der, err := asn1.Marshal(struct {
		Status pkiStatusInfo
	}{pkiStatusInfo{Status: StatusRejection, StatusString: ft}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	_, err = splitResponse("test", der)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected RejectionError, got %v", err)
	}
	if rej.Text != "busy; retry later" {
		t.Errorf("Expected joined text, got %q", rej.Text)
	}
	if len(rej.FailInfo) != 0 {
		t.Errorf("Expected no failure bits, got %v", rej.FailInfo)
	}
}

// answerWith serves tokens built from each request by edit.
func answerWith(t *testing.T, edit func(*timestamp.Timestamp)) *httptest.Server {
	t.Helper()
	cert, key, err := GenerateCertificate("Test Agency")
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := timestamp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts := timestamp.Timestamp{
			HashAlgorithm:     req.HashAlgorithm,
			HashedMessage:     req.HashedMessage,
			Time:              time.Now().UTC(),
			Nonce:             req.Nonce,
			Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1, 1},
			AddTSACertificate: true,
		}
		edit(&ts)
		resp, err := ts.CreateResponseWithOpts(cert, key, crypto.SHA256)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(resp)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func TestClientRejectsTokenWithoutNonce(t *testing.T) {
	hs := answerWith(t, func(ts *timestamp.Timestamp) { ts.Nonce = nil })
	client, _ := NewClient(ClientConfig{URLs: []string{hs.URL}}, nil)

	digest := sha256.Sum256([]byte("root"))
	if _, err := client.Timestamp(context.Background(), digest[:], crypto.SHA256); !errors.Is(err, ErrNonceMismatch) {
		t.Errorf("Expected ErrNonceMismatch, got %v", err)
	}
}

func TestClientRejectsTokenWithOtherAlgorithm(t *testing.T) {
	hs := answerWith(t, func(ts *timestamp.Timestamp) {
		ts.HashAlgorithm = crypto.SHA384
	})
	client, _ := NewClient(ClientConfig{URLs: []string{hs.URL}}, nil)

	digest := sha256.Sum256([]byte("root"))
	if _, err := client.Timestamp(context.Background(), digest[:], crypto.SHA256); !errors.Is(err, ErrImprintMismatch) {
		t.Errorf("Expected ErrImprintMismatch, got %v", err)
	}
}
