package infrastructure

import (
	"fmt"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
)

func checkStatusTarget(status domain.Status, timestampRecordID int64) error {
	switch status {
	case domain.StatusTimestamped:
		if timestampRecordID <= 0 {
			return fmt.Errorf("%w: TIMESTAMPED requires a timestamp record", domain.ErrStatusConflict)
		}
	case domain.StatusArchived, domain.StatusFailed:
	default:
		return fmt.Errorf("%w: cannot move records to %s", domain.ErrStatusConflict, status)
	}
	return nil
}

// checkTransitions fails unless every id exists and may move to status.
func checkTransitions(ids []int64, current map[int64]domain.Status, status domain.Status) error {
	for _, id := range ids {
		from, ok := current[id]
		if !ok {
			return fmt.Errorf("record %d: %w", id, domain.ErrRecordNotFound)
		}
		if !domain.CanTransition(from, status) {
			return fmt.Errorf("record %d %s -> %s: %w", id, from, status, domain.ErrStatusConflict)
		}
	}
	return nil
}

func orderByIDs(found []*domain.MessageRecord, ids []int64) ([]*domain.MessageRecord, error) {
	byID := make(map[int64]*domain.MessageRecord, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	out := make([]*domain.MessageRecord, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("record %d: %w", id, domain.ErrRecordNotFound)
		}
		out = append(out, r)
	}
	return out, nil
}
