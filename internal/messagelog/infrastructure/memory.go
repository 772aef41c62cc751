package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
)

// MemoryStore is an in-memory implementation of domain.Store for tests and
// single-process development. Records are copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	nextID     int64
	records    map[int64]*domain.MessageRecord
	timestamps []*domain.TimestampRecord
	units      []*domain.ArchiveUnit
}

var _ domain.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: make(map[int64]*domain.MessageRecord),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, r *domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r.ID = s.nextID
	r.Status = domain.StatusPending
	r.CreatedAt = s.now().UTC()
	s.records[r.ID] = copyRecord(r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, domain.ErrRecordNotFound)
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, ids []int64) ([]*domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.MessageRecord, 0, len(ids))
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			return nil, fmt.Errorf("record %d: %w", id, domain.ErrRecordNotFound)
		}
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatusBatch(ctx context.Context, ids []int64, status domain.Status, timestampRecordID int64) error {
	if err := checkStatusTarget(status, timestampRecordID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids = domain.UniqueIDs(ids)
	if err := checkTransitions(ids, s.statuses(ids), status); err != nil {
		return err
	}
	for _, id := range ids {
		r := s.records[id]
		r.Status = status
		if timestampRecordID > 0 {
			r.TimestampRecordID = timestampRecordID
		}
	}
	return nil
}

func (s *MemoryStore) SaveTimestampBatch(ctx context.Context, ts *domain.TimestampRecord, steps []domain.StepUpdate) error {
	if err := domain.ValidateTimestampBatch(ts, steps); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.ExtendsTail(s.tail(), ts.PrevHash) {
		return domain.ErrChainConflict
	}
	for _, st := range steps {
		r, ok := s.records[st.RecordID]
		if !ok {
			return fmt.Errorf("record %d: %w", st.RecordID, domain.ErrRecordNotFound)
		}
		if r.Status != domain.StatusPending {
			return fmt.Errorf("record %d is %s: %w", r.ID, r.Status, domain.ErrStatusConflict)
		}
	}

	saved := *ts
	saved.ID = int64(len(s.timestamps) + 1)
	saved.RecordIDs = append([]int64(nil), ts.RecordIDs...)
	s.timestamps = append(s.timestamps, &saved)

	for i, st := range steps {
		r := s.records[st.RecordID]
		r.Status = domain.StatusTimestamped
		r.StepHash = append([]byte(nil), st.StepHash...)
		r.ChainPosition = i
		r.TimestampRecordID = saved.ID
	}
	ts.ID = saved.ID
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids = domain.UniqueIDs(ids)
	if err := checkTransitions(ids, s.statuses(ids), domain.StatusFailed); err != nil {
		return err
	}
	for _, id := range ids {
		s.records[id].Status = domain.StatusFailed
		s.records[id].FailureReason = reason
	}
	return nil
}

func (s *MemoryStore) FindPending(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, r := range s.records {
		if r.Status == domain.StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) FindByQueryID(ctx context.Context, f domain.QueryFilter) ([]*domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MessageRecord
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindUnarchivedTimestamped(ctx context.Context, before time.Time, limit int) ([]*domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MessageRecord
	for _, r := range s.records {
		if r.Status == domain.StatusTimestamped && r.CreatedAt.Before(before) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampRecordID != out[j].TimestampRecordID {
			return out[i].TimestampRecordID < out[j].TimestampRecordID
		}
		return out[i].ChainPosition < out[j].ChainPosition
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ChainTail(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tail(), nil
}

func (s *MemoryStore) GetTimestampRecord(ctx context.Context, id int64) (*domain.TimestampRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id <= 0 || id > int64(len(s.timestamps)) {
		return nil, fmt.Errorf("timestamp record %d: %w", id, domain.ErrTimestampNotFound)
	}
	ts := *s.timestamps[id-1]
	ts.RecordIDs = append([]int64(nil), ts.RecordIDs...)
	return &ts, nil
}

func (s *MemoryStore) LatestArchiveUnit(ctx context.Context, group string) (*domain.ArchiveUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestUnit(group), nil
}

func (s *MemoryStore) SaveArchiveUnit(ctx context.Context, u *domain.ArchiveUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.ContinuesArchive(s.latestUnit(u.GroupName), u) {
		return domain.ErrChainConflict
	}
	ids := domain.UniqueIDs(u.RecordIDs)
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok || r.Status != domain.StatusTimestamped {
			return fmt.Errorf("record %d: %w", id, domain.ErrStatusConflict)
		}
	}

	saved := *u
	saved.RecordIDs = append([]int64(nil), u.RecordIDs...)
	s.units = append(s.units, &saved)
	for _, id := range ids {
		s.records[id].Status = domain.StatusArchived
	}
	return nil
}

func (s *MemoryStore) ListArchiveUnits(ctx context.Context, limit int) ([]*domain.ArchiveUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ArchiveUnit
	for i := len(s.units) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		u := *s.units[i]
		out = append(out, &u)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) tail() []byte {
	if len(s.timestamps) == 0 {
		return nil
	}
	return s.timestamps[len(s.timestamps)-1].RootHash
}

func (s *MemoryStore) latestUnit(group string) *domain.ArchiveUnit {
	for i := len(s.units) - 1; i >= 0; i-- {
		if s.units[i].GroupName == group {
			u := *s.units[i]
			return &u
		}
	}
	return nil
}

func (s *MemoryStore) statuses(ids []int64) map[int64]domain.Status {
	out := make(map[int64]domain.Status, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out[id] = r.Status
		}
	}
	return out
}

func copyRecord(r *domain.MessageRecord) *domain.MessageRecord {
	c := *r
	return &c
}
