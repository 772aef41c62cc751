// Package archive moves timestamped message records into signed-off zip
// containers, one archive digest chain per group.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/serbia-gov/messagelog/internal/hashchain"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/ocsp"
	"github.com/serbia-gov/messagelog/internal/shared/metrics"
	"github.com/serbia-gov/messagelog/internal/shared/types"
)

// Grouping modes.
const (
	GroupingNone   = "none"
	GroupingClient = "client"
)

// entryOverhead approximates the per-record zip and metadata bytes.
const entryOverhead = 1024

// ProofSource returns a fresh, verified OCSP proof for a signer
// certificate. Errors for which ocsp.IsFatal is true are final.
type ProofSource interface {
	Proof(ctx context.Context, certDER []byte) (*ocsp.Proof, error)
}

// Config configures the archiver.
type Config struct {
	Path      string
	Period    time.Duration
	CutoffLag time.Duration
	Grouping  string
	// MaxFileSize splits a period into several units; 0 disables splitting
	MaxFileSize int64
	// MaxRecordsCycle caps how many records one cycle selects; 0 is no cap
	MaxRecordsCycle int
	Algorithm       hashchain.Algorithm
}

// Archiver runs archive cycles against the store.
type Archiver struct {
	cfg    Config
	store  domain.Store
	proofs ProofSource
	events domain.EventPublisher
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an archiver. proofs may be nil, in which case records are
// archived without revocation proofs. events may be nil.
func New(cfg Config, store domain.Store, proofs ProofSource, events domain.EventPublisher, logger *slog.Logger) *Archiver {
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.Grouping == "" {
		cfg.Grouping = GroupingNone
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
	return &Archiver{
		cfg:    cfg,
		store:  store,
		proofs: proofs,
		events: events,
		logger: logger.With(slog.String("component", "archiver")),
		tracer: otel.Tracer("github.com/serbia-gov/messagelog/internal/archive"),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (a *Archiver) SetClock(now func() time.Time) {
	a.now = now
}

type groupKey struct {
	name  string
	start time.Time
}

// Cutoff returns the instant before which records are eligible: now minus
// the lag, rounded down to a period boundary.
func (a *Archiver) Cutoff() time.Time {
	return a.now().UTC().Add(-a.cfg.CutoffLag).Truncate(a.cfg.Period)
}

// RunCycle archives every eligible TIMESTAMPED record. A group that fails
// is left for the next cycle; the other groups still proceed.
func (a *Archiver) RunCycle(ctx context.Context) error {
	cutoff := a.Cutoff()
	ctx, span := a.tracer.Start(ctx, "messagelog.archive_cycle",
		trace.WithAttributes(attribute.String("messagelog.cutoff", cutoff.Format(time.RFC3339))))
	defer span.End()

	records, err := a.store.FindUnarchivedTimestamped(ctx, cutoff, a.cfg.MaxRecordsCycle)
	if err != nil {
		metrics.RecordArchiveCycle("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "select records")
		return fmt.Errorf("select records to archive: %w", err)
	}
	if len(records) == 0 {
		metrics.RecordArchiveCycle("empty")
		return nil
	}

	groups := make(map[groupKey][]*domain.MessageRecord)
	var keys []groupKey
	for _, r := range records {
		k := groupKey{name: a.groupName(r), start: r.CreatedAt.UTC().Truncate(a.cfg.Period)}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if !keys[i].start.Equal(keys[j].start) {
			return keys[i].start.Before(keys[j].start)
		}
		return keys[i].name < keys[j].name
	})

	var errs []error
	blocked := map[string]bool{}
	for _, k := range keys {
		// A later period must not overtake an earlier one in the same chain.
		if blocked[k.name] {
			continue
		}
		if err := a.archiveGroup(ctx, k, groups[k]); err != nil {
			blocked[k.name] = true
			errs = append(errs, err)
			a.logger.Warn("archive group failed, will retry next cycle",
				slog.String("group", k.name),
				slog.Time("period_start", k.start),
				slog.Int("records", len(groups[k])),
				slog.String("error", err.Error()))
		}
	}

	if err := errors.Join(errs...); err != nil {
		metrics.RecordArchiveCycle("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive cycle failed")
		return err
	}
	metrics.RecordArchiveCycle("success")
	return nil
}

func (a *Archiver) groupName(r *domain.MessageRecord) string {
	if a.cfg.Grouping == GroupingClient {
		return r.ClientID
	}
	return ""
}

// archiveGroup proves, splits, writes and commits one period of one group.
func (a *Archiver) archiveGroup(ctx context.Context, k groupKey, records []*domain.MessageRecord) error {
	proofs, fatal, err := a.collectProofs(ctx, records)
	if err != nil {
		return err
	}
	if len(fatal) > 0 {
		if err := a.failRecords(ctx, records, fatal); err != nil {
			return err
		}
	}

	var keep []*domain.MessageRecord
	for _, r := range records {
		if _, bad := fatal[string(r.SignerCertificate)]; !bad {
			keep = append(keep, r)
		}
	}
	if len(keep) == 0 {
		return nil
	}

	entries, err := a.buildEntries(ctx, keep, proofs)
	if err != nil {
		return err
	}

	prev, err := a.store.LatestArchiveUnit(ctx, k.name)
	if err != nil {
		return fmt.Errorf("load previous archive unit: %w", err)
	}
	first := hashchain.Seed(a.cfg.Algorithm)
	if prev != nil {
		first = prev.DigestOfLast
	}

	for _, part := range a.split(entries) {
		unit, err := a.seal(ctx, k, first, part)
		if err != nil {
			return err
		}
		first = unit.DigestOfLast
	}
	return nil
}

// collectProofs fetches one proof per distinct signer certificate. Fatal
// outcomes are returned per certificate; any other failure aborts.
func (a *Archiver) collectProofs(ctx context.Context, records []*domain.MessageRecord) (map[string]*ocsp.Proof, map[string]error, error) {
	proofs := map[string]*ocsp.Proof{}
	fatal := map[string]error{}
	if a.proofs == nil {
		return proofs, fatal, nil
	}

	for _, r := range records {
		cert := string(r.SignerCertificate)
		if cert == "" {
			continue
		}
		if _, done := proofs[cert]; done {
			continue
		}
		if _, done := fatal[cert]; done {
			continue
		}
		proof, err := a.proofs.Proof(ctx, r.SignerCertificate)
		switch {
		case err == nil:
			proofs[cert] = proof
		case ocsp.IsFatal(err):
			fatal[cert] = err
		default:
			return nil, nil, fmt.Errorf("OCSP proof for record %d: %w", r.ID, err)
		}
	}
	return proofs, fatal, nil
}

func (a *Archiver) failRecords(ctx context.Context, records []*domain.MessageRecord, fatal map[string]error) error {
	byReason := map[string][]int64{}
	var reasons []string
	for _, r := range records {
		cause, bad := fatal[string(r.SignerCertificate)]
		if !bad {
			continue
		}
		reason := "signer certificate rejected: " + cause.Error()
		if _, ok := byReason[reason]; !ok {
			reasons = append(reasons, reason)
		}
		byReason[reason] = append(byReason[reason], r.ID)
	}

	for _, reason := range reasons {
		ids := byReason[reason]
		if err := a.store.MarkFailed(ctx, ids, reason); err != nil {
			return fmt.Errorf("mark records failed: %w", err)
		}
		metrics.RecordFailed("archive", len(ids))
		a.logger.Error("records excluded from archive",
			slog.Int("count", len(ids)),
			slog.Any("record_ids", ids),
			slog.String("reason", reason))
	}
	return nil
}

// buildEntries attaches to each record its timestamp and the batch chain
// context needed to replay its step up to the root.
func (a *Archiver) buildEntries(ctx context.Context, records []*domain.MessageRecord, proofs map[string]*ocsp.Proof) ([]*Entry, error) {
	type batch struct {
		ts      *domain.TimestampRecord
		digests [][]byte
		steps   [][]byte
	}
	batches := map[int64]*batch{}

	entries := make([]*Entry, 0, len(records))
	for _, r := range records {
		b, ok := batches[r.TimestampRecordID]
		if !ok {
			ts, err := a.store.GetTimestampRecord(ctx, r.TimestampRecordID)
			if err != nil {
				return nil, fmt.Errorf("load timestamp record for %d: %w", r.ID, err)
			}
			members, err := a.store.GetMany(ctx, ts.RecordIDs)
			if err != nil {
				return nil, fmt.Errorf("load batch %d: %w", ts.ID, err)
			}
			alg, err := hashchain.ParseAlgorithm(ts.HashAlgorithm)
			if err != nil {
				return nil, err
			}
			b = &batch{ts: ts}
			for _, m := range members {
				d, err := hashchain.Digest(alg, m.Signature)
				if err != nil {
					return nil, err
				}
				b.digests = append(b.digests, d)
				b.steps = append(b.steps, m.StepHash)
			}
			batches[ts.ID] = b
		}

		pos := r.ChainPosition
		if pos < 0 || pos >= len(b.digests) {
			return nil, fmt.Errorf("record %d: chain position %d outside batch %d", r.ID, pos, b.ts.ID)
		}
		prevStep := b.ts.PrevHash
		if pos > 0 {
			prevStep = b.steps[pos-1]
		}
		entry := &Entry{
			Record:    r,
			Timestamp: b.ts,
			Link: ChainLink{
				Algorithm:         b.ts.HashAlgorithm,
				TimestampRecordID: b.ts.ID,
				Position:          pos,
				PrevStep:          prevStep,
				SignatureDigest:   b.digests[pos],
				StepHash:          r.StepHash,
				Following:         b.digests[pos+1:],
				RootHash:          b.ts.RootHash,
			},
		}
		if len(r.SignerCertificate) > 0 {
			entry.Proof = proofs[string(r.SignerCertificate)]
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// split cuts entries into units whose estimated size stays under
// MaxFileSize. A single oversized entry still gets a unit of its own.
func (a *Archiver) split(entries []*Entry) [][]*Entry {
	if a.cfg.MaxFileSize <= 0 {
		return [][]*Entry{entries}
	}
	var parts [][]*Entry
	var cur []*Entry
	var size int64
	for _, e := range entries {
		n := int64(len(e.Record.Message) + len(e.Record.Signature) + len(e.Timestamp.Token) + entryOverhead)
		if len(cur) > 0 && size+n > a.cfg.MaxFileSize {
			parts = append(parts, cur)
			cur, size = nil, 0
		}
		cur = append(cur, e)
		size += n
	}
	if len(cur) > 0 {
		parts = append(parts, cur)
	}
	return parts
}

// seal writes one container and commits it. The file is removed when the
// commit fails so the directory never holds an unrecorded unit.
func (a *Archiver) seal(ctx context.Context, k groupKey, first []byte, entries []*Entry) (*domain.ArchiveUnit, error) {
	unit := &domain.ArchiveUnit{
		ID:            types.NewID(),
		GroupName:     k.name,
		PeriodStart:   k.start,
		PeriodEnd:     k.start.Add(a.cfg.Period),
		DigestOfFirst: first,
		CreatedAt:     a.now().UTC(),
	}
	unit.FileName = fileName(unit)
	path := filepath.Join(a.cfg.Path, unit.FileName)

	if _, err := WriteContainer(path, a.cfg.Algorithm, unit, entries); err != nil {
		return nil, err
	}
	if err := a.store.SaveArchiveUnit(ctx, unit); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			a.logger.Error("failed to remove uncommitted archive",
				slog.String("file", path), slog.String("error", rmErr.Error()))
		}
		return nil, fmt.Errorf("commit archive unit: %w", err)
	}

	metrics.RecordArchiveUnit(len(unit.RecordIDs))
	a.logger.Info("archive unit sealed",
		slog.String("unit_id", unit.ID.String()),
		slog.String("group", unit.GroupName),
		slog.String("file", unit.FileName),
		slog.Int("records", len(unit.RecordIDs)))

	if err := a.events.ArchiveSealed(ctx, unit); err != nil {
		a.logger.Warn("failed to publish archive event",
			slog.String("unit_id", unit.ID.String()),
			slog.String("error", err.Error()))
	}
	return unit, nil
}

// fileName is mlog-[group-]<start>-<end>-<id prefix>.zip with the group
// reduced to file-safe characters.
func fileName(u *domain.ArchiveUnit) string {
	const layout = "20060102150405"
	var b strings.Builder
	b.WriteString("mlog-")
	if u.GroupName != "" {
		b.WriteString(safeName(u.GroupName))
		b.WriteByte('-')
	}
	fmt.Fprintf(&b, "%s-%s-%s.zip", u.PeriodStart.Format(layout), u.PeriodEnd.Format(layout), u.ID.Short())
	return b.String()
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		}
		return '_'
	}, s)
}
