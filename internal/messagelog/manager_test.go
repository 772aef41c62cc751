package messagelog

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/messagelog/infrastructure"
	"github.com/serbia-gov/messagelog/internal/schedule"
	"github.com/serbia-gov/messagelog/internal/shared/errors"
	"github.com/serbia-gov/messagelog/internal/tsa"
)

func TestLogRejectsInvalidMessage(t *testing.T) {
	h := newHarness(t, Config{}, DefaultTimestamperConfig(), 0)
	ctx := context.Background()

	tests := []struct {
		name  string
		msg   *LogMessage
		field string
	}{
		{"nil message", nil, ""},
		{"empty body", &LogMessage{QueryID: "q", Direction: domain.DirectionRequest, Signature: []byte("s")}, "message"},
		{"empty signature", &LogMessage{QueryID: "q", Direction: domain.DirectionRequest, Message: []byte("m")}, "signature"},
		{"missing query id", &LogMessage{Direction: domain.DirectionResponse, Message: []byte("m"), Signature: []byte("s")}, "query_id"},
		{"bad direction", &LogMessage{QueryID: "q", Direction: "sideways", Message: []byte("m"), Signature: []byte("s")}, "direction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.Log(ctx, tt.msg)
			appErr, ok := err.(*errors.AppError)
			if !ok {
				t.Fatalf("Expected *AppError, got %T (%v)", err, err)
			}
			if appErr.Code != "VALIDATION_ERROR" {
				t.Errorf("Expected VALIDATION_ERROR, got %s", appErr.Code)
			}
			if tt.field != "" {
				if _, ok := appErr.Details[tt.field]; !ok {
					t.Errorf("Expected detail for %s, got %v", tt.field, appErr.Details)
				}
			}
		})
	}

	pending, _ := h.store.FindPending(ctx)
	if len(pending) != 0 {
		t.Errorf("Expected nothing persisted, got %d records", len(pending))
	}
	if h.queue.Size() != 0 {
		t.Errorf("Expected nothing queued, got %d", h.queue.Size())
	}
}

func TestLogAsyncReturnsPending(t *testing.T) {
	h := newHarness(t, Config{}, DefaultTimestamperConfig(), 0)

	handle := h.log(t, "async")
	if handle.Status != domain.StatusPending {
		t.Errorf("Expected PENDING, got %s", handle.Status)
	}
	if handle.TimestampRecordID != 0 {
		t.Errorf("Expected no timestamp record, got %d", handle.TimestampRecordID)
	}
	if !h.queue.Contains(handle.RecordID) {
		t.Error("Expected record to be queued")
	}
	if h.tsa.Calls() != 0 {
		t.Errorf("Expected no TSA call on async log, got %d", h.tsa.Calls())
	}
}

func TestLogTruncatesOversizedBody(t *testing.T) {
	h := newHarness(t, Config{MaxLoggableBody: 4, TruncateOversized: true}, DefaultTimestamperConfig(), 0)
	ctx := context.Background()

	handle := h.log(t, "long")
	if !handle.Truncated {
		t.Error("Expected handle to report truncation")
	}
	r, _ := h.store.Get(ctx, handle.RecordID)
	if string(r.Message) != "<mes" || !r.Truncated {
		t.Errorf("Expected truncated body, got %q (truncated=%v)", r.Message, r.Truncated)
	}

	strict := newHarness(t, Config{MaxLoggableBody: 4}, DefaultTimestamperConfig(), 0)
	_, err := strict.manager.Log(ctx, &LogMessage{
		QueryID:   "long",
		Direction: domain.DirectionRequest,
		Message:   []byte("too long"),
		Signature: []byte("sig"),
	})
	if _, ok := err.(*errors.AppError); !ok {
		t.Errorf("Expected validation error for oversized body, got %v", err)
	}
}

func TestLogOmitsBodyPerProducer(t *testing.T) {
	cfg := Config{
		MaxLoggableBody: 4,
		BodyLogging: &BodyLogging{
			Enabled:   true,
			Overrides: []string{"RS/GOV/2002/registry"},
		},
	}
	h := newHarness(t, cfg, DefaultTimestamperConfig(), 0)
	ctx := context.Background()

	msg := testMessage("private")
	msg.ServiceID = "RS/GOV/2002/registry/getPerson"
	handle, err := h.manager.Log(ctx, msg)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if !handle.BodyOmitted || handle.Truncated {
		t.Errorf("Expected omitted, untruncated body, got %+v", handle)
	}
	r, _ := h.store.Get(ctx, handle.RecordID)
	if len(r.Message) != 0 || !r.BodyOmitted {
		t.Errorf("Expected empty stored body, got %q (omitted=%v)", r.Message, r.BodyOmitted)
	}
	if string(r.Signature) != "signature of private" {
		t.Errorf("Expected signature to be kept, got %q", r.Signature)
	}

	// Other producers follow the global setting, including the size limit.
	other := testMessage("public")
	other.ServiceID = "RS/GOV/2002/registryx/getPerson"
	if _, err := h.manager.Log(ctx, other); err == nil {
		t.Error("Expected oversized body of a logged producer to be refused")
	}
}

func TestBodyLoggingOverrides(t *testing.T) {
	tests := []struct {
		name      string
		policy    BodyLogging
		serviceID string
		want      bool
	}{
		{"enabled", BodyLogging{Enabled: true}, "RS/GOV/2002/registry/getPerson", true},
		{"disabled", BodyLogging{}, "RS/GOV/2002/registry/getPerson", false},
		{"subsystem disabled", BodyLogging{Enabled: true, Overrides: []string{"RS/GOV/2002/registry"}}, "RS/GOV/2002/registry/getPerson", false},
		{"subsystem enabled", BodyLogging{Overrides: []string{"RS/GOV/2002/registry/"}}, "RS/GOV/2002/registry/getPerson", true},
		{"single service", BodyLogging{Enabled: true, Overrides: []string{"RS/GOV/2002/registry/getPerson"}}, "RS/GOV/2002/registry/getPerson", false},
		{"prefix is not a subsystem", BodyLogging{Enabled: true, Overrides: []string{"RS/GOV/2002/reg"}}, "RS/GOV/2002/registry/getPerson", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.LogsBody(tt.serviceID); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSyncLogWaitsThroughFailedCycle(t *testing.T) {
	h := newHarness(t, Config{Sync: true, SyncWaitTimeout: 5 * time.Second}, DefaultTimestamperConfig(), 1)
	runner := schedule.NewRunner("timestamper", schedule.MustParse("manual"), h.stamper.RunCycle)
	ctx := context.Background()

	handles := make([]*RecordHandle, 3)
	errs := make(chan error, len(handles))
	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := h.manager.Log(ctx, testMessage(fmt.Sprintf("sync-%d", i)))
			if err != nil {
				errs <- fmt.Errorf("Log(sync-%d): %w", i, err)
				return
			}
			handles[i] = handle
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.queue.Size() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 queued records, got %d", h.queue.Size())
		}
		time.Sleep(time.Millisecond)
	}

	if err := runner.RunNow(ctx); err == nil {
		t.Fatal("Expected first cycle to fail")
	}
	if err := runner.RunNow(ctx); err != nil {
		t.Fatalf("Expected second cycle to succeed, got %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Sync log failed: %v", err)
	}

	tsID := handles[0].TimestampRecordID
	for i, handle := range handles {
		if handle.Status != domain.StatusTimestamped {
			t.Errorf("Handle %d: expected TIMESTAMPED, got %s", i, handle.Status)
		}
		if handle.TimestampRecordID != tsID || tsID == 0 {
			t.Errorf("Handle %d: expected timestamp record %d, got %d", i, tsID, handle.TimestampRecordID)
		}
	}
	if h.stamper.waiters.len() != 0 {
		t.Errorf("Expected no leftover waiters, got %d", h.stamper.waiters.len())
	}
}

func TestSyncLogTimeoutReturnsPending(t *testing.T) {
	h := newHarness(t, Config{Sync: true, SyncWaitTimeout: 20 * time.Millisecond}, DefaultTimestamperConfig(), 0)

	start := time.Now()
	handle := h.log(t, "slow")
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Expected Log to wait for the timeout, returned after %v", elapsed)
	}
	if handle.Status != domain.StatusPending {
		t.Errorf("Expected PENDING after timeout, got %s", handle.Status)
	}
	if h.stamper.waiters.len() != 0 {
		t.Errorf("Expected timed-out waiter to be forgotten, got %d", h.stamper.waiters.len())
	}

	// The record is still stamped by the next cycle.
	if err := h.stamper.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	r, _ := h.store.Get(context.Background(), handle.RecordID)
	if r.Status != domain.StatusTimestamped {
		t.Errorf("Expected TIMESTAMPED, got %s", r.Status)
	}
}

func TestSyncLogReportsFailedRecord(t *testing.T) {
	h := newHarness(t, Config{Sync: true, SyncWaitTimeout: 5 * time.Second}, TimestamperConfig{MaxAttempts: 1}, 5)
	runner := schedule.NewRunner("timestamper", schedule.MustParse("manual"), h.stamper.RunCycle)

	type outcome struct {
		handle *RecordHandle
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		handle, err := h.manager.Log(context.Background(), testMessage("doomed"))
		done <- outcome{handle, err}
	}()

	for h.queue.Size() == 0 {
		time.Sleep(time.Millisecond)
	}
	runner.RunNow(context.Background())

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("Log failed: %v", got.err)
		}
		if got.handle.Status != domain.StatusFailed {
			t.Errorf("Expected FAILED, got %s", got.handle.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected sync log to return after records were marked failed")
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	store := infrastructure.NewMemoryStore(nil)
	ctx := context.Background()

	// Records left PENDING by a previous process.
	for i := 0; i < 3; i++ {
		store.Insert(ctx, &domain.MessageRecord{
			QueryID:   fmt.Sprintf("left-%d", i),
			Direction: domain.DirectionRequest,
			Message:   []byte("m"),
			Signature: []byte(fmt.Sprintf("s%d", i)),
		})
	}

	queue := NewQueue()
	stamper := NewTimestamper(DefaultTimestamperConfig(), store, queue, &scriptedTSA{}, nil, nil)
	m := NewManager(Config{}, store, queue, stamper, nil, nil, nil)

	added, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if added != 3 {
		t.Errorf("Expected 3 recovered, got %d", added)
	}
	if added, _ := m.Recover(ctx); added != 0 {
		t.Errorf("Expected second Recover to add nothing, got %d", added)
	}
	if queue.Size() != 3 {
		t.Errorf("Expected 3 queued, got %d", queue.Size())
	}

	if err := stamper.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if added, _ := m.Recover(ctx); added != 0 {
		t.Errorf("Expected nothing to recover after stamping, got %d", added)
	}
}

func TestGetByQueryID(t *testing.T) {
	h := newHarness(t, Config{}, DefaultTimestamperConfig(), 0)
	ctx := context.Background()

	h.log(t, "exchange")
	h.manager.Log(ctx, &LogMessage{
		QueryID:   "exchange",
		ClientID:  "RS/GOV/1001/client",
		Direction: domain.DirectionResponse,
		Message:   []byte("<response/>"),
		Signature: []byte("response signature"),
	})
	h.log(t, "other")

	all, err := h.manager.GetByQueryID(ctx, "exchange", "", nil)
	if err != nil {
		t.Fatalf("GetByQueryID failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 records, got %d", len(all))
	}

	dir := domain.DirectionResponse
	responses, _ := h.manager.GetByQueryID(ctx, "exchange", "RS/GOV/1001/client", &dir)
	if len(responses) != 1 || responses[0].Direction != domain.DirectionResponse {
		t.Errorf("Expected the single response record, got %+v", responses)
	}

	if _, err := h.manager.GetByQueryID(ctx, "", "", nil); err == nil {
		t.Error("Expected error for empty query id")
	}
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t, Config{}, DefaultTimestamperConfig(), 0)
	h.log(t, "one")
	h.log(t, "two")

	d := h.manager.Diagnostics()
	if d.QueueSize != 2 {
		t.Errorf("Expected queue size 2, got %d", d.QueueSize)
	}
	if d.State != StateIdle {
		t.Errorf("Expected IDLE, got %s", d.State)
	}
	if d.TSA != nil {
		t.Errorf("Expected no TSA status without a reporter, got %v", d.TSA)
	}
}

func TestSyncLogAgainstDevTSA(t *testing.T) {
	srv, err := tsa.NewServerWithGeneratedCert("Test Agency")
	if err != nil {
		t.Fatalf("NewServerWithGeneratedCert failed: %v", err)
	}
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	client, err := tsa.NewClient(tsa.ClientConfig{URLs: []string{httpSrv.URL}, RequestCertificates: true}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	store := infrastructure.NewMemoryStore(nil)
	queue := NewQueue()
	stamper := NewTimestamper(DefaultTimestamperConfig(), store, queue, client, nil, nil)
	runner := schedule.NewRunner("timestamper", schedule.MustParse("manual"), stamper.RunCycle)
	runner.Start(context.Background())
	defer runner.Stop()

	m := NewManager(Config{Sync: true, SyncWaitTimeout: 5 * time.Second}, store, queue, stamper, runner, client, nil)
	ctx := context.Background()

	handle, err := m.Log(ctx, &LogMessage{
		QueryID:   "e2e",
		Direction: domain.DirectionRequest,
		Message:   []byte("<request/>"),
		Signature: []byte("request signature"),
	})
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if handle.Status != domain.StatusTimestamped {
		t.Fatalf("Expected TIMESTAMPED, got %s", handle.Status)
	}

	ts, err := store.GetTimestampRecord(ctx, handle.TimestampRecordID)
	if err != nil {
		t.Fatalf("GetTimestampRecord failed: %v", err)
	}
	if _, err := tsa.Verify(ts.Token, ts.RootHash); err != nil {
		t.Errorf("Token does not verify over the batch root: %v", err)
	}
	if ts.TSAURL != httpSrv.URL {
		t.Errorf("Expected TSA URL %s, got %s", httpSrv.URL, ts.TSAURL)
	}

	d := m.Diagnostics()
	if len(d.TSA) != 1 || !d.TSA[0].OK {
		t.Errorf("Expected one healthy TSA endpoint, got %+v", d.TSA)
	}
}
