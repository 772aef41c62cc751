package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound    = errors.New("message record not found")
	ErrTimestampNotFound = errors.New("timestamp record not found")
	// ErrStatusConflict means a batch tried to move a record backwards or
	// out of a terminal state; nothing in the batch was changed.
	ErrStatusConflict = errors.New("record status does not allow this transition")
	// ErrChainConflict means a timestamp batch did not start from the
	// current chain tail.
	ErrChainConflict = errors.New("timestamp batch does not extend the chain tail")
)

// Store defines durable storage of message records, timestamp records and
// archive units. Every mutating method is atomic.
type Store interface {
	// Insert persists a new PENDING record and assigns ID and CreatedAt
	Insert(ctx context.Context, r *MessageRecord) error
	Get(ctx context.Context, id int64) (*MessageRecord, error)
	// GetMany returns the records in the order of ids; missing ids are
	// an error
	GetMany(ctx context.Context, ids []int64) ([]*MessageRecord, error)

	// UpdateStatusBatch moves every record to status, all or nothing
	UpdateStatusBatch(ctx context.Context, ids []int64, status Status, timestampRecordID int64) error
	// SaveTimestampBatch inserts ts, assigning its ID, and moves every
	// covered record from PENDING to TIMESTAMPED with its step hash
	SaveTimestampBatch(ctx context.Context, ts *TimestampRecord, steps []StepUpdate) error
	// MarkFailed moves records to FAILED with a reason
	MarkFailed(ctx context.Context, ids []int64, reason string) error

	// FindPending returns ids of PENDING records in creation order
	FindPending(ctx context.Context) ([]int64, error)
	FindByQueryID(ctx context.Context, filter QueryFilter) ([]*MessageRecord, error)
	// FindUnarchivedTimestamped returns TIMESTAMPED records created before
	// the cutoff, in chain order. limit <= 0 means no limit.
	FindUnarchivedTimestamped(ctx context.Context, before time.Time, limit int) ([]*MessageRecord, error)

	// ChainTail returns the root of the latest timestamp record, or nil
	// when nothing has been timestamped yet
	ChainTail(ctx context.Context) ([]byte, error)
	GetTimestampRecord(ctx context.Context, id int64) (*TimestampRecord, error)

	// LatestArchiveUnit returns the newest unit of a group, or nil
	LatestArchiveUnit(ctx context.Context, group string) (*ArchiveUnit, error)
	// SaveArchiveUnit inserts the unit and marks its records ARCHIVED
	SaveArchiveUnit(ctx context.Context, u *ArchiveUnit) error
	ListArchiveUnits(ctx context.Context, limit int) ([]*ArchiveUnit, error)

	Close() error
}

// EventPublisher receives notifications about committed evidence
type EventPublisher interface {
	BatchTimestamped(ctx context.Context, ts *TimestampRecord) error
	ArchiveSealed(ctx context.Context, u *ArchiveUnit) error
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) BatchTimestamped(context.Context, *TimestampRecord) error { return nil }
func (NopPublisher) ArchiveSealed(context.Context, *ArchiveUnit) error        { return nil }
