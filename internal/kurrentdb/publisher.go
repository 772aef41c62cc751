package kurrentdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
)

// Event types appended by the publisher.
const (
	EventBatchTimestamped = "messagelog.batch_timestamped"
	EventArchiveSealed    = "messagelog.archive_sealed"
)

// BatchTimestampedEvent announces a committed timestamp batch.
type BatchTimestampedEvent struct {
	TimestampRecordID int64     `json:"timestamp_record_id"`
	TSAURL            string    `json:"tsa_url"`
	HashAlgorithm     string    `json:"hash_algorithm"`
	PrevHash          []byte    `json:"prev_hash"`
	RootHash          []byte    `json:"root_hash"`
	IssuedAt          time.Time `json:"issued_at"`
	RecordCount       int       `json:"record_count"`
	FirstRecordID     int64     `json:"first_record_id"`
	LastRecordID      int64     `json:"last_record_id"`
}

// ArchiveSealedEvent announces a committed archive unit.
type ArchiveSealedEvent struct {
	UnitID        string    `json:"unit_id"`
	GroupName     string    `json:"group_name,omitempty"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	FileName      string    `json:"file_name"`
	RecordCount   int       `json:"record_count"`
	DigestOfFirst []byte    `json:"digest_of_first"`
	DigestOfLast  []byte    `json:"digest_of_last"`
}

// appender is the part of *esdb.Client the publisher needs.
type appender interface {
	AppendToStream(ctx context.Context, stream string, opts esdb.AppendToStreamOptions, events ...esdb.EventData) (*esdb.WriteResult, error)
}

// Publisher appends message log events to a KurrentDB stream so evidence
// consumers can follow commits without polling the database.
type Publisher struct {
	db     appender
	stream string
}

// NewPublisher creates a new KurrentDB-backed event publisher.
func NewPublisher(client *Client, stream string) *Publisher {
	return &Publisher{db: client.DB(), stream: stream}
}

var _ domain.EventPublisher = (*Publisher)(nil)

// BatchTimestamped publishes a committed timestamp batch.
func (p *Publisher) BatchTimestamped(ctx context.Context, ts *domain.TimestampRecord) error {
	ev := BatchTimestampedEvent{
		TimestampRecordID: ts.ID,
		TSAURL:            ts.TSAURL,
		HashAlgorithm:     ts.HashAlgorithm,
		PrevHash:          ts.PrevHash,
		RootHash:          ts.RootHash,
		IssuedAt:          ts.IssuedAt,
		RecordCount:       len(ts.RecordIDs),
	}
	if n := len(ts.RecordIDs); n > 0 {
		ev.FirstRecordID = ts.RecordIDs[0]
		ev.LastRecordID = ts.RecordIDs[n-1]
	}
	return p.append(ctx, EventBatchTimestamped, strconv.FormatInt(ts.ID, 10), ev)
}

// ArchiveSealed publishes a committed archive unit.
func (p *Publisher) ArchiveSealed(ctx context.Context, u *domain.ArchiveUnit) error {
	ev := ArchiveSealedEvent{
		UnitID:        u.ID.String(),
		GroupName:     u.GroupName,
		PeriodStart:   u.PeriodStart,
		PeriodEnd:     u.PeriodEnd,
		FileName:      u.FileName,
		RecordCount:   len(u.RecordIDs),
		DigestOfFirst: u.DigestOfFirst,
		DigestOfLast:  u.DigestOfLast,
	}
	return p.append(ctx, EventArchiveSealed, u.ID.String(), ev)
}

func (p *Publisher) append(ctx context.Context, eventType, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := esdb.EventData{
		EventType:   eventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID(eventType, key),
	}

	_, err = p.db.AppendToStream(ctx, p.stream, esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, event)
	if err != nil {
		return fmt.Errorf("failed to publish %s %s: %w", eventType, key, err)
	}
	return nil
}
