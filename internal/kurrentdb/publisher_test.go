package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/go-cmp/cmp"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/config"
	"github.com/serbia-gov/messagelog/internal/shared/types"
)

type appended struct {
	stream string
	event  esdb.EventData
}

type fakeAppender struct {
	events []appended
	err    error
}

func (f *fakeAppender) AppendToStream(ctx context.Context, stream string, opts esdb.AppendToStreamOptions, events ...esdb.EventData) (*esdb.WriteResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, e := range events {
		f.events = append(f.events, appended{stream: stream, event: e})
	}
	return &esdb.WriteResult{}, nil
}

func TestPublishBatchTimestamped(t *testing.T) {
	db := &fakeAppender{}
	p := &Publisher{db: db, stream: "messagelog"}

	ts := &domain.TimestampRecord{
		ID:            7,
		TSAURL:        "http://tsa.test",
		HashAlgorithm: "SHA-256",
		RootHash:      []byte{1, 2, 3},
		IssuedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		RecordIDs:     []int64{10, 11, 12},
	}
	if err := p.BatchTimestamped(context.Background(), ts); err != nil {
		t.Fatalf("BatchTimestamped failed: %v", err)
	}
	if len(db.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(db.events))
	}

	got := db.events[0]
	if got.stream != "messagelog" || got.event.EventType != EventBatchTimestamped {
		t.Errorf("Unexpected stream/type: %s %s", got.stream, got.event.EventType)
	}
	var ev BatchTimestampedEvent
	if err := json.Unmarshal(got.event.Data, &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := BatchTimestampedEvent{
		TimestampRecordID: 7,
		TSAURL:            "http://tsa.test",
		HashAlgorithm:     "SHA-256",
		RootHash:          []byte{1, 2, 3},
		IssuedAt:          ts.IssuedAt,
		RecordCount:       3,
		FirstRecordID:     10,
		LastRecordID:      12,
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("Event mismatch (-want +got):\n%s", diff)
	}
}

func TestRepublishedEventKeepsID(t *testing.T) {
	db := &fakeAppender{}
	p := &Publisher{db: db, stream: "messagelog"}
	u := &domain.ArchiveUnit{ID: types.NewID(), FileName: "mlog.zip", RecordIDs: []int64{1}}

	p.ArchiveSealed(context.Background(), u)
	p.ArchiveSealed(context.Background(), u)

	if len(db.events) != 2 {
		t.Fatalf("Expected 2 appends, got %d", len(db.events))
	}
	if db.events[0].event.EventID != db.events[1].event.EventID {
		t.Error("Expected the same event id for the same unit")
	}
	if db.events[0].event.EventType != EventArchiveSealed {
		t.Errorf("Expected %s, got %s", EventArchiveSealed, db.events[0].event.EventType)
	}
}

func TestPublishError(t *testing.T) {
	p := &Publisher{db: &fakeAppender{err: errors.New("unavailable")}, stream: "messagelog"}
	if err := p.BatchTimestamped(context.Background(), &domain.TimestampRecord{ID: 1}); err == nil {
		t.Error("Expected append error to be returned")
	}
}

func TestConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.KurrentDBConfig
		want string
	}{
		{"insecure defaults", config.KurrentDBConfig{Host: "localhost", Insecure: true}, "esdb://localhost:2113?tls=false"},
		{"with credentials", config.KurrentDBConfig{Host: "es", Port: 1113, Username: "admin", Password: "changeit"}, "esdb://admin:changeit@es:1113"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromConfig(tt.cfg)
			if got := cfg.ConnectionString(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
			if cfg.Stream != "messagelog" {
				t.Errorf("Expected default stream, got %s", cfg.Stream)
			}
		})
	}
}
