package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/errors"
	"github.com/serbia-gov/messagelog/internal/shared/metrics"
)

// chainLockKey serializes chain appends and archive seals across gateway
// processes sharing one database.
const chainLockKey int64 = 0x6d73676c6f67

const recordColumns = `
	id, query_id, client_id, service_id, direction,
	message, signature, signer_certificate, truncated, body_omitted,
	step_hash, chain_position, status, COALESCE(timestamp_record_id, 0),
	failure_reason, created_at`

// PostgresStore implements domain.Store using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store. The pool is owned by
// the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert saves a new PENDING record
func (s *PostgresStore) Insert(ctx context.Context, r *domain.MessageRecord) error {
	defer observe("insert", time.Now())

	query := `
		INSERT INTO message_records (
			query_id, client_id, service_id, direction,
			message, signature, signer_certificate, truncated, body_omitted, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'PENDING')
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query,
		r.QueryID, r.ClientID, r.ServiceID, string(r.Direction),
		r.Message, r.Signature, r.SignerCertificate, r.Truncated, r.BodyOmitted,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert message record")
	}
	r.Status = domain.StatusPending
	return nil
}

// Get finds a record by ID
func (s *PostgresStore) Get(ctx context.Context, id int64) (*domain.MessageRecord, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM message_records WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("record %d: %w", id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get message record")
	}
	return r, nil
}

// GetMany loads records in the order of ids
func (s *PostgresStore) GetMany(ctx context.Context, ids []int64) ([]*domain.MessageRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM message_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message records")
	}
	found, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids)
}

// UpdateStatusBatch moves all records to status in one transaction
func (s *PostgresStore) UpdateStatusBatch(ctx context.Context, ids []int64, status domain.Status, timestampRecordID int64) error {
	defer observe("update_status_batch", time.Now())

	if err := checkStatusTarget(status, timestampRecordID); err != nil {
		return err
	}
	ids = domain.UniqueIDs(ids)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockForTransition(ctx, tx, ids, status); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE message_records
			SET status = $2,
				timestamp_record_id = CASE WHEN $3::bigint > 0 THEN $3::bigint ELSE timestamp_record_id END
			WHERE id = ANY($1)`,
			ids, string(status), timestampRecordID)
		if err != nil {
			return errors.Wrap(err, "failed to update record status")
		}
		return nil
	})
}

// SaveTimestampBatch stores the timestamp record and stamps every record it
// covers. The batch must extend the current chain tail.
func (s *PostgresStore) SaveTimestampBatch(ctx context.Context, ts *domain.TimestampRecord, steps []domain.StepUpdate) error {
	defer observe("save_timestamp_batch", time.Now())

	if err := domain.ValidateTimestampBatch(ts, steps); err != nil {
		return err
	}

	ids := make([]int64, len(steps))
	hashes := make([][]byte, len(steps))
	positions := make([]int32, len(steps))
	for i, st := range steps {
		ids[i] = st.RecordID
		hashes[i] = st.StepHash
		positions[i] = int32(i)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
			return errors.Wrap(err, "failed to lock chain")
		}

		tail, err := chainTail(ctx, tx)
		if err != nil {
			return err
		}
		if !domain.ExtendsTail(tail, ts.PrevHash) {
			return domain.ErrChainConflict
		}

		var id int64
		err = tx.QueryRow(ctx, `
			INSERT INTO timestamp_records (
				tsa_url, token, hash_algorithm, prev_hash, root_hash, record_ids, issued_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			ts.TSAURL, ts.Token, ts.HashAlgorithm, ts.PrevHash, ts.RootHash, ts.RecordIDs, ts.IssuedAt,
		).Scan(&id)
		if err != nil {
			return errors.Wrap(err, "failed to insert timestamp record")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE message_records m
			SET status = 'TIMESTAMPED',
				step_hash = u.step_hash,
				chain_position = u.position,
				timestamp_record_id = $4
			FROM unnest($1::bigint[], $2::bytea[], $3::int[]) AS u(id, step_hash, position)
			WHERE m.id = u.id AND m.status = 'PENDING'`,
			ids, hashes, positions, id)
		if err != nil {
			return errors.Wrap(err, "failed to stamp message records")
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return domain.ErrStatusConflict
		}

		ts.ID = id
		return nil
	})
}

// MarkFailed moves records to the terminal FAILED status
func (s *PostgresStore) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	defer observe("mark_failed", time.Now())

	ids = domain.UniqueIDs(ids)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockForTransition(ctx, tx, ids, domain.StatusFailed); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE message_records SET status = 'FAILED', failure_reason = $2
			WHERE id = ANY($1)`, ids, reason)
		if err != nil {
			return errors.Wrap(err, "failed to mark records failed")
		}
		return nil
	})
}

// FindPending returns PENDING record ids in creation order
func (s *PostgresStore) FindPending(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM message_records WHERE status = 'PENDING' ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find pending records")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pending records")
	}
	return ids, nil
}

// FindByQueryID returns matching records in creation order
func (s *PostgresStore) FindByQueryID(ctx context.Context, f domain.QueryFilter) ([]*domain.MessageRecord, error) {
	var direction string
	if f.Direction != nil {
		direction = string(*f.Direction)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM message_records
		WHERE query_id = $1
			AND ($2 = '' OR client_id = $2)
			AND ($3 = '' OR direction = $3)
		ORDER BY id`, f.QueryID, f.ClientID, direction)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find records by query id")
	}
	return collectRecords(rows)
}

// FindUnarchivedTimestamped returns TIMESTAMPED records created before the
// cutoff in chain order
func (s *PostgresStore) FindUnarchivedTimestamped(ctx context.Context, before time.Time, limit int) ([]*domain.MessageRecord, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM message_records
		WHERE status = 'TIMESTAMPED' AND created_at < $1
		ORDER BY timestamp_record_id, chain_position
		LIMIT $2`, before, lim)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unarchived records")
	}
	return collectRecords(rows)
}

// ChainTail returns the latest batch root, nil before the first batch
func (s *PostgresStore) ChainTail(ctx context.Context) ([]byte, error) {
	return chainTail(ctx, s.pool)
}

// GetTimestampRecord finds a timestamp record by ID
func (s *PostgresStore) GetTimestampRecord(ctx context.Context, id int64) (*domain.TimestampRecord, error) {
	ts := &domain.TimestampRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tsa_url, token, hash_algorithm, prev_hash, root_hash, record_ids, issued_at
		FROM timestamp_records WHERE id = $1`, id,
	).Scan(&ts.ID, &ts.TSAURL, &ts.Token, &ts.HashAlgorithm, &ts.PrevHash, &ts.RootHash, &ts.RecordIDs, &ts.IssuedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("timestamp record %d: %w", id, domain.ErrTimestampNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get timestamp record")
	}
	return ts, nil
}

// LatestArchiveUnit returns the newest unit of a group, or nil
func (s *PostgresStore) LatestArchiveUnit(ctx context.Context, group string) (*domain.ArchiveUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx, `
		SELECT `+unitColumns+` FROM archive_units
		WHERE group_name = $1 ORDER BY seq DESC LIMIT 1`, group))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest archive unit")
	}
	return u, nil
}

// SaveArchiveUnit persists a sealed unit and marks its records ARCHIVED
func (s *PostgresStore) SaveArchiveUnit(ctx context.Context, u *domain.ArchiveUnit) error {
	defer observe("save_archive_unit", time.Now())

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey+1); err != nil {
			return errors.Wrap(err, "failed to lock archive chain")
		}

		prev, err := scanUnit(tx.QueryRow(ctx, `
			SELECT `+unitColumns+` FROM archive_units
			WHERE group_name = $1 ORDER BY seq DESC LIMIT 1`, u.GroupName))
		switch {
		case err == pgx.ErrNoRows:
		case err != nil:
			return errors.Wrap(err, "failed to read archive chain")
		case !domain.ContinuesArchive(prev, u):
			return domain.ErrChainConflict
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO archive_units (
				id, group_name, period_start, period_end, record_ids,
				digest_of_first, digest_of_last, file_name, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			u.ID, u.GroupName, u.PeriodStart, u.PeriodEnd, u.RecordIDs,
			u.DigestOfFirst, u.DigestOfLast, u.FileName, u.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to insert archive unit")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE message_records SET status = 'ARCHIVED'
			WHERE id = ANY($1) AND status = 'TIMESTAMPED'`, u.RecordIDs)
		if err != nil {
			return errors.Wrap(err, "failed to mark records archived")
		}
		if tag.RowsAffected() != int64(len(domain.UniqueIDs(u.RecordIDs))) {
			return domain.ErrStatusConflict
		}
		return nil
	})
}

// ListArchiveUnits returns the newest units first
func (s *PostgresStore) ListArchiveUnits(ctx context.Context, limit int) ([]*domain.ArchiveUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+unitColumns+` FROM archive_units ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list archive units")
	}
	defer rows.Close()

	var units []*domain.ArchiveUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan archive unit")
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// Close is a no-op; the pool belongs to database.DB
func (s *PostgresStore) Close() error {
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func chainTail(ctx context.Context, q querier) ([]byte, error) {
	var root []byte
	err := q.QueryRow(ctx, `SELECT root_hash FROM timestamp_records ORDER BY id DESC LIMIT 1`).Scan(&root)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read chain tail")
	}
	return root, nil
}

// lockForTransition row-locks ids and verifies each may move to status.
func lockForTransition(ctx context.Context, tx pgx.Tx, ids []int64, status domain.Status) error {
	rows, err := tx.Query(ctx, `SELECT id, status FROM message_records WHERE id = ANY($1) FOR UPDATE`, ids)
	if err != nil {
		return errors.Wrap(err, "failed to lock records")
	}
	defer rows.Close()

	current := make(map[int64]domain.Status, len(ids))
	for rows.Next() {
		var id int64
		var st string
		if err := rows.Scan(&id, &st); err != nil {
			return errors.Wrap(err, "failed to scan record status")
		}
		current[id] = domain.Status(st)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to lock records")
	}
	return checkTransitions(ids, current, status)
}

func scanRecord(row pgx.Row) (*domain.MessageRecord, error) {
	r := &domain.MessageRecord{}
	var direction, status string
	var position int32
	err := row.Scan(
		&r.ID, &r.QueryID, &r.ClientID, &r.ServiceID, &direction,
		&r.Message, &r.Signature, &r.SignerCertificate, &r.Truncated, &r.BodyOmitted,
		&r.StepHash, &position, &status, &r.TimestampRecordID,
		&r.FailureReason, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Direction = domain.Direction(direction)
	r.Status = domain.Status(status)
	r.ChainPosition = int(position)
	return r, nil
}

func collectRecords(rows pgx.Rows) ([]*domain.MessageRecord, error) {
	defer rows.Close()

	var records []*domain.MessageRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message record")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read message records")
	}
	return records, nil
}

const unitColumns = `
	id, group_name, period_start, period_end, record_ids,
	digest_of_first, digest_of_last, file_name, created_at`

func scanUnit(row pgx.Row) (*domain.ArchiveUnit, error) {
	u := &domain.ArchiveUnit{}
	err := row.Scan(
		&u.ID, &u.GroupName, &u.PeriodStart, &u.PeriodEnd, &u.RecordIDs,
		&u.DigestOfFirst, &u.DigestOfLast, &u.FileName, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func observe(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start))
}
