package infrastructure

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/database"
	"github.com/serbia-gov/messagelog/internal/shared/types"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, now func() time.Time) domain.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, now func() time.Time) domain.Store {
			return NewMemoryStore(now)
		},
		"sqlite": func(t *testing.T, now func() time.Time) domain.Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "messagelog.db"), now)
			if err != nil {
				t.Fatalf("Failed to open sqlite store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"postgres": newPostgresForTest,
	}
}

// newPostgresForTest needs MESSAGELOG_TEST_DATABASE_URL. Postgres assigns
// created_at itself, so now is ignored.
func newPostgresForTest(t *testing.T, now func() time.Time) domain.Store {
	dsn := os.Getenv("MESSAGELOG_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MESSAGELOG_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE archive_units, message_records, timestamp_records RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	return NewPostgresStore(pool)
}

func forEachStore(t *testing.T, fn func(t *testing.T, s domain.Store, clock *testClock)) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: base}
			fn(t, factory(t, clock.Now), clock)
		})
	}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func seed() []byte { return make([]byte, 32) }

func hashOf(b byte) []byte {
	h := make([]byte, 32)
	for i := range h {
		h[i] = b
	}
	return h
}

func insert(t *testing.T, s domain.Store, queryID string, dir domain.Direction) *domain.MessageRecord {
	t.Helper()
	r := &domain.MessageRecord{
		QueryID:   queryID,
		ClientID:  "RS/GOV/1001/client",
		ServiceID: "RS/GOV/2002/registry/getPerson",
		Direction: dir,
		Message:   []byte("<soap>" + queryID + "</soap>"),
		Signature: []byte("sig-" + queryID),
	}
	if err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return r
}

func stamp(t *testing.T, s domain.Store, prev []byte, marker byte, ids ...int64) *domain.TimestampRecord {
	t.Helper()
	steps := make([]domain.StepUpdate, len(ids))
	for i, id := range ids {
		steps[i] = domain.StepUpdate{RecordID: id, StepHash: hashOf(marker + byte(i))}
	}
	ts := &domain.TimestampRecord{
		TSAURL:        "http://tsa.example",
		Token:         []byte("token"),
		HashAlgorithm: "SHA-256",
		PrevHash:      prev,
		RootHash:      steps[len(steps)-1].StepHash,
		IssuedAt:      base,
		RecordIDs:     ids,
	}
	if err := s.SaveTimestampBatch(context.Background(), ts, steps); err != nil {
		t.Fatalf("SaveTimestampBatch failed: %v", err)
	}
	return ts
}

func TestStoreInsertAndFindPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		a := insert(t, s, "q1", domain.DirectionRequest)
		b := insert(t, s, "q1", domain.DirectionResponse)

		if a.ID <= 0 || b.ID <= a.ID {
			t.Errorf("Expected increasing ids, got %d then %d", a.ID, b.ID)
		}
		if a.Status != domain.StatusPending {
			t.Errorf("Expected PENDING, got %s", a.Status)
		}

		pending, err := s.FindPending(ctx)
		if err != nil {
			t.Fatalf("FindPending failed: %v", err)
		}
		if diff := cmp.Diff([]int64{a.ID, b.ID}, pending); diff != "" {
			t.Errorf("FindPending mismatch (-want +got):\n%s", diff)
		}

		got, err := s.Get(ctx, b.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Signature) != "sig-q1" || got.Direction != domain.DirectionResponse {
			t.Errorf("Unexpected record: %+v", got)
		}

		if _, err := s.Get(ctx, 9999); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Errorf("Expected ErrRecordNotFound, got %v", err)
		}
	})
}

func TestStoreKeepsBodyFlags(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		r := &domain.MessageRecord{
			QueryID:     "omitted",
			Direction:   domain.DirectionRequest,
			Message:     []byte{},
			Signature:   []byte("sig"),
			BodyOmitted: true,
		}
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := s.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !got.BodyOmitted || got.Truncated || len(got.Message) != 0 {
			t.Errorf("Expected omitted empty body, got %+v", got)
		}
	})
}

func TestStoreSaveTimestampBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		a := insert(t, s, "q1", domain.DirectionRequest)
		b := insert(t, s, "q2", domain.DirectionRequest)
		c := insert(t, s, "q3", domain.DirectionRequest)

		tail, err := s.ChainTail(ctx)
		if err != nil || tail != nil {
			t.Fatalf("Expected empty chain, got %x (%v)", tail, err)
		}

		first := stamp(t, s, seed(), 1, b.ID, a.ID)
		if first.ID <= 0 {
			t.Fatal("Expected timestamp record id to be assigned")
		}

		tail, _ = s.ChainTail(ctx)
		if diff := cmp.Diff(first.RootHash, tail); diff != "" {
			t.Errorf("ChainTail mismatch (-want +got):\n%s", diff)
		}

		got, _ := s.GetMany(ctx, []int64{b.ID, a.ID})
		for i, r := range got {
			if r.Status != domain.StatusTimestamped || r.TimestampRecordID != first.ID || r.ChainPosition != i {
				t.Errorf("Record %d not stamped as expected: %+v", r.ID, r)
			}
		}

		// Next batch must extend the tail.
		bad := &domain.TimestampRecord{
			Token: []byte("t"), HashAlgorithm: "SHA-256", PrevHash: seed(),
			RootHash: hashOf(9), RecordIDs: []int64{c.ID}, IssuedAt: base,
		}
		err = s.SaveTimestampBatch(ctx, bad, []domain.StepUpdate{{RecordID: c.ID, StepHash: hashOf(9)}})
		if !errors.Is(err, domain.ErrChainConflict) {
			t.Errorf("Expected ErrChainConflict, got %v", err)
		}
		if r, _ := s.Get(ctx, c.ID); r.Status != domain.StatusPending {
			t.Errorf("Expected record to stay PENDING, got %s", r.Status)
		}

		second := stamp(t, s, first.RootHash, 5, c.ID)
		stored, err := s.GetTimestampRecord(ctx, second.ID)
		if err != nil {
			t.Fatalf("GetTimestampRecord failed: %v", err)
		}
		if diff := cmp.Diff([]int64{c.ID}, stored.RecordIDs); diff != "" {
			t.Errorf("Covered ids mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(first.RootHash, stored.PrevHash); diff != "" {
			t.Errorf("PrevHash mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreSaveTimestampBatchIsAllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		a := insert(t, s, "q1", domain.DirectionRequest)
		b := insert(t, s, "q2", domain.DirectionRequest)
		first := stamp(t, s, seed(), 1, a.ID)

		// a is already TIMESTAMPED, so the whole batch is refused.
		ts := &domain.TimestampRecord{
			Token: []byte("t"), HashAlgorithm: "SHA-256", PrevHash: first.RootHash,
			RootHash: hashOf(8), RecordIDs: []int64{b.ID, a.ID}, IssuedAt: base,
		}
		steps := []domain.StepUpdate{{RecordID: b.ID, StepHash: hashOf(7)}, {RecordID: a.ID, StepHash: hashOf(8)}}
		if err := s.SaveTimestampBatch(ctx, ts, steps); !errors.Is(err, domain.ErrStatusConflict) {
			t.Fatalf("Expected ErrStatusConflict, got %v", err)
		}

		if r, _ := s.Get(ctx, b.ID); r.Status != domain.StatusPending || r.StepHash != nil {
			t.Errorf("Expected b untouched, got %+v", r)
		}
		if tail, _ := s.ChainTail(ctx); !cmp.Equal(tail, first.RootHash) {
			t.Errorf("Expected chain tail unchanged")
		}
	})
}

func TestStoreStatusOnlyMovesForward(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		a := insert(t, s, "q1", domain.DirectionRequest)
		b := insert(t, s, "q2", domain.DirectionRequest)
		ts := stamp(t, s, seed(), 1, a.ID)

		if err := s.UpdateStatusBatch(ctx, []int64{a.ID}, domain.StatusPending, 0); !errors.Is(err, domain.ErrStatusConflict) {
			t.Errorf("Expected backwards move to fail, got %v", err)
		}
		if err := s.UpdateStatusBatch(ctx, []int64{b.ID}, domain.StatusTimestamped, 0); !errors.Is(err, domain.ErrStatusConflict) {
			t.Errorf("Expected TIMESTAMPED without timestamp record to fail, got %v", err)
		}

		// Mixed batch: b may not be archived, so a must not be either.
		if err := s.UpdateStatusBatch(ctx, []int64{a.ID, b.ID}, domain.StatusArchived, 0); !errors.Is(err, domain.ErrStatusConflict) {
			t.Errorf("Expected mixed batch to fail, got %v", err)
		}
		if r, _ := s.Get(ctx, a.ID); r.Status != domain.StatusTimestamped {
			t.Errorf("Expected a to stay TIMESTAMPED, got %s", r.Status)
		}

		if err := s.UpdateStatusBatch(ctx, []int64{a.ID}, domain.StatusArchived, 0); err != nil {
			t.Fatalf("UpdateStatusBatch failed: %v", err)
		}
		r, _ := s.Get(ctx, a.ID)
		if r.Status != domain.StatusArchived || r.TimestampRecordID != ts.ID {
			t.Errorf("Expected ARCHIVED keeping timestamp record, got %+v", r)
		}

		if err := s.MarkFailed(ctx, []int64{b.ID}, "signer revoked"); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		r, _ = s.Get(ctx, b.ID)
		if r.Status != domain.StatusFailed || r.FailureReason != "signer revoked" {
			t.Errorf("Expected FAILED with reason, got %+v", r)
		}
		if err := s.MarkFailed(ctx, []int64{b.ID}, "again"); !errors.Is(err, domain.ErrStatusConflict) {
			t.Errorf("Expected FAILED to be terminal, got %v", err)
		}
	})
}

func TestStoreFindByQueryID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		req := insert(t, s, "q1", domain.DirectionRequest)
		resp := insert(t, s, "q1", domain.DirectionResponse)
		insert(t, s, "q2", domain.DirectionRequest)

		all, err := s.FindByQueryID(ctx, domain.QueryFilter{QueryID: "q1"})
		if err != nil {
			t.Fatalf("FindByQueryID failed: %v", err)
		}
		if len(all) != 2 || all[0].ID != req.ID || all[1].ID != resp.ID {
			t.Errorf("Expected request and response of q1, got %d records", len(all))
		}

		dir := domain.DirectionResponse
		only, _ := s.FindByQueryID(ctx, domain.QueryFilter{QueryID: "q1", ClientID: "RS/GOV/1001/client", Direction: &dir})
		if len(only) != 1 || only[0].ID != resp.ID {
			t.Errorf("Expected only the response, got %d records", len(only))
		}

		none, _ := s.FindByQueryID(ctx, domain.QueryFilter{QueryID: "q1", ClientID: "someone-else"})
		if len(none) != 0 {
			t.Errorf("Expected no records for other client, got %d", len(none))
		}
	})
}

func TestStoreFindUnarchivedTimestampedInChainOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, clock *testClock) {
		ctx := context.Background()
		a := insert(t, s, "q1", domain.DirectionRequest)
		b := insert(t, s, "q2", domain.DirectionRequest)
		clock.now = base.Add(2 * time.Hour)
		c := insert(t, s, "q3", domain.DirectionRequest)
		insert(t, s, "q4", domain.DirectionRequest)

		first := stamp(t, s, seed(), 1, b.ID, a.ID)
		stamp(t, s, first.RootHash, 5, c.ID)

		cutoff := base.Add(3 * time.Hour)
		_, isPostgres := s.(*PostgresStore)
		if isPostgres {
			cutoff = time.Now().Add(time.Hour)
		}

		got, err := s.FindUnarchivedTimestamped(ctx, cutoff, 0)
		if err != nil {
			t.Fatalf("FindUnarchivedTimestamped failed: %v", err)
		}
		var ids []int64
		for _, r := range got {
			ids = append(ids, r.ID)
		}
		if diff := cmp.Diff([]int64{b.ID, a.ID, c.ID}, ids); diff != "" {
			t.Errorf("Chain order mismatch (-want +got):\n%s", diff)
		}

		if isPostgres {
			return
		}
		early, _ := s.FindUnarchivedTimestamped(ctx, base.Add(time.Hour), 0)
		if len(early) != 2 {
			t.Errorf("Expected cutoff to exclude the later record, got %d", len(early))
		}
		limited, _ := s.FindUnarchivedTimestamped(ctx, base.Add(3*time.Hour), 1)
		if len(limited) != 1 || limited[0].ID != b.ID {
			t.Errorf("Expected limit to keep chain head, got %d records", len(limited))
		}
	})
}

func TestStoreArchiveUnits(t *testing.T) {
	forEachStore(t, func(t *testing.T, s domain.Store, _ *testClock) {
		ctx := context.Background()
		a := insert(t, s, "q1", domain.DirectionRequest)
		b := insert(t, s, "q2", domain.DirectionRequest)
		c := insert(t, s, "q3", domain.DirectionRequest)
		stamp(t, s, seed(), 1, a.ID, b.ID, c.ID)

		if u, err := s.LatestArchiveUnit(ctx, ""); err != nil || u != nil {
			t.Fatalf("Expected no archive unit yet, got %v (%v)", u, err)
		}

		first := &domain.ArchiveUnit{
			ID: types.NewID(), PeriodStart: base, PeriodEnd: base.Add(time.Hour),
			RecordIDs: []int64{a.ID, b.ID}, DigestOfFirst: seed(), DigestOfLast: hashOf(3),
			FileName: "first.zip", CreatedAt: base,
		}
		if err := s.SaveArchiveUnit(ctx, first); err != nil {
			t.Fatalf("SaveArchiveUnit failed: %v", err)
		}
		if r, _ := s.Get(ctx, a.ID); r.Status != domain.StatusArchived {
			t.Errorf("Expected ARCHIVED, got %s", r.Status)
		}

		broken := &domain.ArchiveUnit{
			ID: types.NewID(), PeriodStart: base, PeriodEnd: base.Add(time.Hour),
			RecordIDs: []int64{c.ID}, DigestOfFirst: hashOf(4), DigestOfLast: hashOf(5),
			FileName: "broken.zip", CreatedAt: base,
		}
		if err := s.SaveArchiveUnit(ctx, broken); !errors.Is(err, domain.ErrChainConflict) {
			t.Errorf("Expected ErrChainConflict, got %v", err)
		}

		again := &domain.ArchiveUnit{
			ID: types.NewID(), PeriodStart: base, PeriodEnd: base.Add(time.Hour),
			RecordIDs: []int64{b.ID}, DigestOfFirst: hashOf(3), DigestOfLast: hashOf(6),
			FileName: "again.zip", CreatedAt: base,
		}
		if err := s.SaveArchiveUnit(ctx, again); !errors.Is(err, domain.ErrStatusConflict) {
			t.Errorf("Expected already archived record to be refused, got %v", err)
		}

		latest, err := s.LatestArchiveUnit(ctx, "")
		if err != nil {
			t.Fatalf("LatestArchiveUnit failed: %v", err)
		}
		if latest.ID != first.ID || !cmp.Equal(latest.RecordIDs, first.RecordIDs) {
			t.Errorf("Expected first unit to be latest, got %+v", latest)
		}

		units, _ := s.ListArchiveUnits(ctx, 10)
		if len(units) != 1 {
			t.Errorf("Expected 1 unit, got %d", len(units))
		}
	})
}

func TestSQLiteStoreBatchesAboveParameterLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("inserts 33k records")
	}
	s, err := NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	const n = 33000 // above SQLite's default of 32766 host parameters
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		r := &domain.MessageRecord{
			QueryID:   "q",
			Direction: domain.DirectionRequest,
			Message:   []byte("<soap/>"),
			Signature: []byte("sig"),
		}
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids = append(ids, r.ID)
	}

	got, err := s.GetMany(ctx, ids)
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != n || got[n-1].ID != ids[n-1] {
		t.Fatalf("Expected %d records in id order, got %d", n, len(got))
	}

	if err := s.MarkFailed(ctx, ids, "tsa unavailable"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	pending, err := s.FindPending(ctx)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending records, got %d", len(pending))
	}
}
