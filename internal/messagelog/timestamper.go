package messagelog

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/serbia-gov/messagelog/internal/hashchain"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/metrics"
	"github.com/serbia-gov/messagelog/internal/tsa"
)

// State is the phase of the current timestamping cycle.
type State string

const (
	StateIdle        State = "IDLE"
	StateBatching    State = "BATCHING"
	StateRequesting  State = "REQUESTING"
	StateCommitting  State = "COMMITTING"
	StateFailedCycle State = "FAILED_CYCLE"
)

// ErrRecordFailed is returned when a forced timestamp targets a record that
// has already been given up on.
var ErrRecordFailed = errors.New("record is in FAILED state")

// TSAClient obtains RFC 3161 tokens for a digest.
type TSAClient interface {
	Timestamp(ctx context.Context, digest []byte, alg crypto.Hash) (*tsa.Token, error)
	URLs() []string
}

// TimestamperConfig tunes the batch cycle.
type TimestamperConfig struct {
	MaxBatchSize int
	TSATimeout   time.Duration
	// MaxAttempts marks records FAILED after that many failed cycles; 0
	// retries forever.
	MaxAttempts int
	Algorithm   hashchain.Algorithm
}

// DefaultTimestamperConfig returns the defaults.
func DefaultTimestamperConfig() TimestamperConfig {
	return TimestamperConfig{
		MaxBatchSize: 10000,
		TSATimeout:   30 * time.Second,
		Algorithm:    hashchain.DefaultAlgorithm,
	}
}

// Timestamper drains the queue, chains the batch, gets it stamped and
// commits it. Every append to the chain happens under chainMu, so the
// scheduled cycle and forced single-record stamps never interleave.
type Timestamper struct {
	cfg     TimestamperConfig
	store   domain.Store
	queue   *Queue
	client  TSAClient
	waiters *waiters
	events  domain.EventPublisher
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	chainMu  sync.Mutex
	attempts map[int64]int
	state    atomic.Value
}

// NewTimestamper wires a timestamper. events may be nil.
func NewTimestamper(cfg TimestamperConfig, store domain.Store, queue *Queue, client TSAClient, events domain.EventPublisher, logger *slog.Logger) *Timestamper {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultTimestamperConfig().MaxBatchSize
	}
	if cfg.TSATimeout <= 0 {
		cfg.TSATimeout = DefaultTimestamperConfig().TSATimeout
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = hashchain.DefaultAlgorithm
	}
	if events == nil {
		events = domain.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Timestamper{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		client:   client,
		waiters:  newWaiters(),
		events:   events,
		logger:   logger.With(slog.String("component", "timestamper")),
		tracer:   otel.Tracer("github.com/serbia-gov/messagelog/internal/messagelog"),
		now:      time.Now,
		attempts: make(map[int64]int),
	}
	t.state.Store(StateIdle)
	return t
}

// State returns the phase of the running cycle, IDLE between cycles.
func (t *Timestamper) State() State {
	return t.state.Load().(State)
}

func (t *Timestamper) setState(s State) {
	t.state.Store(s)
}

// RunCycle performs one batch cycle. An empty queue is a successful no-op.
// On failure the drained ids are back at the head of the queue.
func (t *Timestamper) RunCycle(ctx context.Context) error {
	t.chainMu.Lock()
	defer t.chainMu.Unlock()
	defer t.setState(StateIdle)

	t.setState(StateBatching)
	ids := t.queue.DrainUpTo(t.cfg.MaxBatchSize)
	if len(ids) == 0 {
		metrics.RecordTimestampCycle("empty", 0)
		return nil
	}

	ctx, span := t.tracer.Start(ctx, "messagelog.timestamp_cycle",
		trace.WithAttributes(attribute.Int("messagelog.batch_size", len(ids))))
	defer span.End()

	ts, err := t.runBatch(ctx, ids)
	if err != nil {
		t.setState(StateFailedCycle)
		t.queue.RequeueFront(ids)
		t.recordFailure(ctx, ids, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "timestamp cycle failed")
		metrics.RecordTimestampCycle("failed", len(ids))
		return err
	}

	span.SetAttributes(attribute.Int64("messagelog.timestamp_record_id", ts.ID))
	metrics.RecordTimestampCycle("success", len(ts.RecordIDs))
	return nil
}

// runBatch loads, chains, stamps and commits the drained ids.
func (t *Timestamper) runBatch(ctx context.Context, ids []int64) (*domain.TimestampRecord, error) {
	records, err := t.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}

	// Records stamped out of band since they were queued are already done;
	// their waiters get the stored outcome.
	pending := records[:0]
	for _, r := range records {
		if r.Status == domain.StatusPending {
			pending = append(pending, r)
			continue
		}
		t.waiters.complete([]int64{r.ID}, completion{Status: r.Status, TimestampRecordID: r.TimestampRecordID})
	}
	if len(pending) == 0 {
		return &domain.TimestampRecord{}, nil
	}

	return t.stamp(ctx, pending)
}

// stamp appends records to the chain. Callers hold chainMu.
func (t *Timestamper) stamp(ctx context.Context, records []*domain.MessageRecord) (*domain.TimestampRecord, error) {
	tail, err := t.store.ChainTail(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	if tail == nil {
		tail = hashchain.Seed(t.cfg.Algorithm)
	}

	signatures := make([][]byte, len(records))
	ids := make([]int64, len(records))
	for i, r := range records {
		signatures[i] = r.Signature
		ids[i] = r.ID
	}
	chain, err := hashchain.BuildFromSignatures(t.cfg.Algorithm, tail, signatures)
	if err != nil {
		return nil, fmt.Errorf("build hash chain: %w", err)
	}
	h, err := t.cfg.Algorithm.Hash()
	if err != nil {
		return nil, err
	}

	t.setState(StateRequesting)
	tsaCtx, cancel := context.WithTimeout(ctx, t.cfg.TSATimeout)
	token, err := t.client.Timestamp(tsaCtx, chain.Root, h)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("timestamp batch of %d: %w", len(records), err)
	}

	t.setState(StateCommitting)
	issuedAt := token.Time
	if issuedAt.IsZero() {
		issuedAt = t.now()
	}
	ts := &domain.TimestampRecord{
		TSAURL:        token.URL,
		Token:         token.Raw,
		HashAlgorithm: string(t.cfg.Algorithm),
		PrevHash:      tail,
		RootHash:      chain.Root,
		IssuedAt:      issuedAt.UTC(),
		RecordIDs:     ids,
	}
	steps := make([]domain.StepUpdate, len(records))
	for i, r := range records {
		steps[i] = domain.StepUpdate{RecordID: r.ID, StepHash: chain.Steps[i]}
	}
	if err := t.store.SaveTimestampBatch(ctx, ts, steps); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}

	for _, id := range ids {
		delete(t.attempts, id)
	}
	t.waiters.complete(ids, completion{Status: domain.StatusTimestamped, TimestampRecordID: ts.ID})

	t.logger.Info("batch timestamped",
		slog.Int("batch_size", len(ids)),
		slog.Int64("timestamp_record_id", ts.ID),
		slog.String("tsa_url", ts.TSAURL))

	if err := t.events.BatchTimestamped(ctx, ts); err != nil {
		t.logger.Warn("failed to publish batch event",
			slog.Int64("timestamp_record_id", ts.ID),
			slog.String("error", err.Error()))
	}
	return ts, nil
}

// recordFailure logs a failed cycle and applies MaxAttempts.
func (t *Timestamper) recordFailure(ctx context.Context, ids []int64, cause error) {
	t.logger.Warn("timestamp cycle failed, batch requeued",
		slog.Int("batch_size", len(ids)),
		slog.Any("tsa_urls", t.client.URLs()),
		slog.String("error", cause.Error()))

	if t.cfg.MaxAttempts <= 0 {
		return
	}

	var exhausted []int64
	for _, id := range ids {
		t.attempts[id]++
		if t.attempts[id] >= t.cfg.MaxAttempts {
			exhausted = append(exhausted, id)
		}
	}
	if len(exhausted) == 0 {
		return
	}

	reason := fmt.Sprintf("timestamping failed %d times: %v", t.cfg.MaxAttempts, cause)
	if err := t.store.MarkFailed(ctx, exhausted, reason); err != nil {
		t.logger.Error("failed to mark records failed",
			slog.Int("count", len(exhausted)),
			slog.String("error", err.Error()))
		return
	}
	for _, id := range exhausted {
		t.queue.Remove(id)
		delete(t.attempts, id)
	}
	t.waiters.complete(exhausted, completion{Status: domain.StatusFailed})
	metrics.RecordFailed("timestamp", len(exhausted))

	t.logger.Error("records exhausted timestamp attempts",
		slog.Int("count", len(exhausted)),
		slog.Int("max_attempts", t.cfg.MaxAttempts))
}

// StampOne timestamps a single record outside the batch cycle. It waits for
// a running cycle to finish; if that cycle already stamped the record, the
// existing timestamp record is returned. On TSA failure the record stays
// PENDING at the head of the queue.
func (t *Timestamper) StampOne(ctx context.Context, id int64) (*domain.TimestampRecord, error) {
	t.chainMu.Lock()
	defer t.chainMu.Unlock()

	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case domain.StatusTimestamped, domain.StatusArchived:
		return t.store.GetTimestampRecord(ctx, rec.TimestampRecordID)
	case domain.StatusFailed:
		return nil, fmt.Errorf("record %d: %w", id, ErrRecordFailed)
	}

	ctx, span := t.tracer.Start(ctx, "messagelog.timestamp_now",
		trace.WithAttributes(attribute.Int64("messagelog.record_id", id)))
	defer span.End()
	defer t.setState(StateIdle)

	t.queue.Remove(id)
	ts, err := t.stamp(ctx, []*domain.MessageRecord{rec})
	if err != nil {
		t.queue.RequeueFront([]int64{id})
		span.RecordError(err)
		span.SetStatus(codes.Error, "forced timestamp failed")
		t.logger.Warn("forced timestamp failed",
			slog.Int64("record_id", id),
			slog.String("error", err.Error()))
		return nil, err
	}
	return ts, nil
}
