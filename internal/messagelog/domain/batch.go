package domain

import (
	"bytes"
	"fmt"
)

// ValidateTimestampBatch checks that a batch is internally consistent
// before a store commits it.
func ValidateTimestampBatch(ts *TimestampRecord, steps []StepUpdate) error {
	if ts == nil || len(steps) == 0 {
		return fmt.Errorf("empty timestamp batch")
	}
	if len(ts.Token) == 0 || len(ts.RootHash) == 0 {
		return fmt.Errorf("timestamp batch without token or root")
	}
	if len(ts.RecordIDs) != len(steps) {
		return fmt.Errorf("timestamp batch covers %d records but has %d steps", len(ts.RecordIDs), len(steps))
	}
	seen := make(map[int64]struct{}, len(steps))
	for i, s := range steps {
		if s.RecordID != ts.RecordIDs[i] {
			return fmt.Errorf("step %d is for record %d, batch lists %d", i, s.RecordID, ts.RecordIDs[i])
		}
		if len(s.StepHash) == 0 {
			return fmt.Errorf("step %d has no hash", i)
		}
		if _, dup := seen[s.RecordID]; dup {
			return fmt.Errorf("record %d appears twice in batch", s.RecordID)
		}
		seen[s.RecordID] = struct{}{}
	}
	if !bytes.Equal(steps[len(steps)-1].StepHash, ts.RootHash) {
		return fmt.Errorf("batch root does not match last step")
	}
	return nil
}

// ExtendsTail reports whether a batch starting at prev may follow tail.
// With no tail the batch must start at an all-zero seed.
func ExtendsTail(tail, prev []byte) bool {
	if tail == nil {
		return len(prev) > 0 && isZero(prev)
	}
	return bytes.Equal(tail, prev)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// UniqueIDs returns ids without duplicates, keeping first occurrence order.
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ContinuesArchive reports whether next may follow prev in one group's
// archive chain.
func ContinuesArchive(prev, next *ArchiveUnit) bool {
	if prev == nil {
		return true
	}
	return prev.GroupName == next.GroupName && bytes.Equal(prev.DigestOfLast, next.DigestOfFirst)
}
