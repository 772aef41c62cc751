// Package messagelog records every exchanged message with its signature and
// proves each record's existence with batched RFC 3161 timestamps over a
// hash chain.
package messagelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/errors"
	"github.com/serbia-gov/messagelog/internal/shared/metrics"
	"github.com/serbia-gov/messagelog/internal/tsa"
)

// LogMessage is what the message pipeline hands over for logging.
type LogMessage struct {
	QueryID           string
	ClientID          string
	ServiceID         string
	Direction         domain.Direction
	Message           []byte
	Signature         []byte
	SignerCertificate []byte
}

// RecordHandle identifies a logged record and its status when Log
// returned.
type RecordHandle struct {
	RecordID          int64         `json:"record_id"`
	Status            domain.Status `json:"status"`
	TimestampRecordID int64         `json:"timestamp_record_id,omitempty"`
	Truncated         bool          `json:"truncated,omitempty"`
	BodyOmitted       bool          `json:"body_omitted,omitempty"`
}

// Config configures the manager.
type Config struct {
	// Sync makes Log wait for the covering timestamp
	Sync            bool
	SyncWaitTimeout time.Duration
	// MaxLoggableBody caps the stored message size; 0 disables the check
	MaxLoggableBody int64
	// TruncateOversized stores the first MaxLoggableBody bytes instead of
	// refusing oversized messages
	TruncateOversized bool
	// BodyLogging selects the producers whose bodies are kept; nil keeps
	// every body
	BodyLogging *BodyLogging
}

// Trigger requests an early timestamp cycle.
type Trigger interface {
	Trigger()
}

// StatusReporter exposes per-TSA diagnostics.
type StatusReporter interface {
	Status() []tsa.EndpointStatus
}

// Diagnostics is a point-in-time view of the timestamping pipeline.
type Diagnostics struct {
	QueueSize int                  `json:"queue_size"`
	State     State                `json:"state"`
	TSA       []tsa.EndpointStatus `json:"tsa"`
}

// Manager is the entry point for logging messages and reading them back.
type Manager struct {
	cfg     Config
	store   domain.Store
	queue   *Queue
	stamper *Timestamper
	trigger Trigger
	status  StatusReporter
	logger  *slog.Logger
}

// NewManager creates a manager. trigger and status may be nil.
func NewManager(cfg Config, store domain.Store, queue *Queue, stamper *Timestamper, trigger Trigger, status StatusReporter, logger *slog.Logger) *Manager {
	if cfg.SyncWaitTimeout <= 0 {
		cfg.SyncWaitTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		stamper: stamper,
		trigger: trigger,
		status:  status,
		logger:  logger.With(slog.String("component", "messagelog")),
	}
}

// Log persists msg as a PENDING record and queues it for timestamping. In
// synchronous mode it then waits up to SyncWaitTimeout for the covering
// timestamp; a timeout returns the PENDING handle without error.
func (m *Manager) Log(ctx context.Context, msg *LogMessage) (*RecordHandle, error) {
	record, err := m.newRecord(msg)
	if err != nil {
		return nil, err
	}

	if err := m.store.Insert(ctx, record); err != nil {
		return nil, err
	}
	metrics.RecordLogged(m.cfg.Sync)

	handle := &RecordHandle{
		RecordID:    record.ID,
		Status:      domain.StatusPending,
		Truncated:   record.Truncated,
		BodyOmitted: record.BodyOmitted,
	}

	if !m.cfg.Sync {
		m.queue.Enqueue(record.ID)
		return handle, nil
	}

	// Register before enqueueing so a fast cycle cannot complete unseen.
	w := m.stamper.waiters.register(record.ID)
	m.queue.Enqueue(record.ID)
	if m.trigger != nil {
		m.trigger.Trigger()
	}

	timer := time.NewTimer(m.cfg.SyncWaitTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
		handle.Status = w.result.Status
		handle.TimestampRecordID = w.result.TimestampRecordID
	case <-timer.C:
		m.stamper.waiters.forget(record.ID)
		metrics.RecordSyncWaitTimeout()
		m.logger.Warn("timestamp not ready within sync wait timeout",
			slog.Int64("record_id", record.ID),
			slog.Duration("timeout", m.cfg.SyncWaitTimeout))
	case <-ctx.Done():
		m.stamper.waiters.forget(record.ID)
	}
	return handle, nil
}

func (m *Manager) newRecord(msg *LogMessage) (*domain.MessageRecord, error) {
	if msg == nil {
		return nil, errors.Validation("message is required", nil)
	}

	details := map[string]string{}
	if len(msg.Message) == 0 {
		details["message"] = "must not be empty"
	}
	if len(msg.Signature) == 0 {
		details["signature"] = "must not be empty"
	}
	if msg.QueryID == "" {
		details["query_id"] = "must not be empty"
	}
	if _, err := domain.ParseDirection(string(msg.Direction)); err != nil {
		details["direction"] = err.Error()
	}

	body := msg.Message
	truncated := false
	omitted := m.cfg.BodyLogging != nil && !m.cfg.BodyLogging.LogsBody(msg.ServiceID)
	if omitted {
		body = []byte{}
	} else if m.cfg.MaxLoggableBody > 0 && int64(len(body)) > m.cfg.MaxLoggableBody {
		if !m.cfg.TruncateOversized {
			details["message"] = "exceeds maximum loggable body size"
		} else {
			body = body[:m.cfg.MaxLoggableBody]
			truncated = true
		}
	}
	if len(details) > 0 {
		return nil, errors.Validation("invalid log message", details)
	}

	return &domain.MessageRecord{
		QueryID:           msg.QueryID,
		ClientID:          msg.ClientID,
		ServiceID:         msg.ServiceID,
		Direction:         msg.Direction,
		Message:           body,
		Signature:         msg.Signature,
		SignerCertificate: msg.SignerCertificate,
		Truncated:         truncated,
		BodyOmitted:       omitted,
	}, nil
}

// GetByQueryID returns the records of one exchange, optionally narrowed to
// a client and direction.
func (m *Manager) GetByQueryID(ctx context.Context, queryID, clientID string, dir *domain.Direction) ([]*domain.MessageRecord, error) {
	if queryID == "" {
		return nil, errors.Validation("query id is required", map[string]string{"query_id": "must not be empty"})
	}
	if dir != nil {
		if _, err := domain.ParseDirection(string(*dir)); err != nil {
			return nil, errors.Validation("invalid direction", map[string]string{"direction": err.Error()})
		}
	}
	return m.store.FindByQueryID(ctx, domain.QueryFilter{QueryID: queryID, ClientID: clientID, Direction: dir})
}

// TimestampNow forces a timestamp for one record outside the batch cycle.
// On TSA failure it returns an error and leaves the record PENDING.
func (m *Manager) TimestampNow(ctx context.Context, recordID int64) (*domain.TimestampRecord, error) {
	return m.stamper.StampOne(ctx, recordID)
}

// Recover queues every PENDING record in creation order. It is safe to call
// more than once.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.FindPending(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, id := range ids {
		if m.queue.Enqueue(id) {
			added++
		}
	}
	if added > 0 {
		m.logger.Info("recovered pending records", slog.Int("count", added))
	}
	return added, nil
}

// Diagnostics reports queue depth, cycle state and TSA health.
func (m *Manager) Diagnostics() Diagnostics {
	d := Diagnostics{
		QueueSize: m.queue.Size(),
		State:     m.stamper.State(),
	}
	if m.status != nil {
		d.TSA = m.status.Status()
	}
	return d
}

// Store returns the underlying store for read-only collaborators.
func (m *Manager) Store() domain.Store {
	return m.store
}
