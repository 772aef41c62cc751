package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/errors"
)

// SQLiteStore implements domain.Store on an embedded SQLite database for
// single-node gateways. Times are stored as Unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string, now func() time.Time) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" to a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if now == nil {
		now = time.Now
	}
	store := &SQLiteStore{db: db, now: now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS timestamp_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tsa_url TEXT NOT NULL,
			token BLOB NOT NULL,
			hash_algorithm TEXT NOT NULL,
			prev_hash BLOB NOT NULL,
			root_hash BLOB NOT NULL,
			record_ids TEXT NOT NULL,
			issued_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			service_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			message BLOB NOT NULL,
			signature BLOB NOT NULL,
			signer_certificate BLOB,
			truncated INTEGER NOT NULL DEFAULT 0,
			body_omitted INTEGER NOT NULL DEFAULT 0,
			step_hash BLOB,
			chain_position INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			timestamp_record_id INTEGER REFERENCES timestamp_records(id),
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_records_status ON message_records(status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_records_chain ON message_records(timestamp_record_id, chain_position)`,
		`CREATE INDEX IF NOT EXISTS idx_message_records_query ON message_records(query_id, client_id)`,
		`CREATE TABLE IF NOT EXISTS archive_units (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			group_name TEXT NOT NULL DEFAULT '',
			period_start INTEGER NOT NULL,
			period_end INTEGER NOT NULL,
			record_ids TEXT NOT NULL,
			digest_of_first BLOB NOT NULL,
			digest_of_last BLOB NOT NULL,
			file_name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_units_group ON archive_units(group_name, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, r *domain.MessageRecord) error {
	defer observe("insert", time.Now())

	createdAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_records (
			query_id, client_id, service_id, direction,
			message, signature, signer_certificate, truncated, body_omitted, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?)`,
		r.QueryID, r.ClientID, r.ServiceID, string(r.Direction),
		r.Message, r.Signature, r.SignerCertificate, r.Truncated, r.BodyOmitted, createdAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "failed to insert message record")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read record id")
	}

	r.ID = id
	r.Status = domain.StatusPending
	r.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*domain.MessageRecord, error) {
	r, err := scanSQLRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM message_records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %d: %w", id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get message record")
	}
	return r, nil
}

func (s *SQLiteStore) GetMany(ctx context.Context, ids []int64) ([]*domain.MessageRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM message_records WHERE id IN `+in, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message records")
	}
	found, err := collectSQLRecords(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids)
}

func (s *SQLiteStore) UpdateStatusBatch(ctx context.Context, ids []int64, status domain.Status, timestampRecordID int64) error {
	defer observe("update_status_batch", time.Now())

	if err := checkStatusTarget(status, timestampRecordID); err != nil {
		return err
	}
	ids = domain.UniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqlCheckTransitions(ctx, tx, ids, status); err != nil {
			return err
		}
		in, args := inClause(ids)
		args = append([]any{string(status), timestampRecordID, timestampRecordID}, args...)
		_, err := tx.ExecContext(ctx, `
			UPDATE message_records
			SET status = ?,
				timestamp_record_id = CASE WHEN ? > 0 THEN ? ELSE timestamp_record_id END
			WHERE id IN `+in, args...)
		if err != nil {
			return errors.Wrap(err, "failed to update record status")
		}
		return nil
	})
}

func (s *SQLiteStore) SaveTimestampBatch(ctx context.Context, ts *domain.TimestampRecord, steps []domain.StepUpdate) error {
	defer observe("save_timestamp_batch", time.Now())

	if err := domain.ValidateTimestampBatch(ts, steps); err != nil {
		return err
	}
	recordIDs, err := json.Marshal(ts.RecordIDs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal record ids")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		tail, err := sqlChainTail(ctx, tx)
		if err != nil {
			return err
		}
		if !domain.ExtendsTail(tail, ts.PrevHash) {
			return domain.ErrChainConflict
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO timestamp_records (
				tsa_url, token, hash_algorithm, prev_hash, root_hash, record_ids, issued_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ts.TSAURL, ts.Token, ts.HashAlgorithm, ts.PrevHash, ts.RootHash, string(recordIDs), ts.IssuedAt.UnixNano())
		if err != nil {
			return errors.Wrap(err, "failed to insert timestamp record")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read timestamp record id")
		}

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE message_records
			SET status = 'TIMESTAMPED', step_hash = ?, chain_position = ?, timestamp_record_id = ?
			WHERE id = ? AND status = 'PENDING'`)
		if err != nil {
			return errors.Wrap(err, "failed to prepare stamp statement")
		}
		defer stmt.Close()

		for i, st := range steps {
			res, err := stmt.ExecContext(ctx, st.StepHash, i, id, st.RecordID)
			if err != nil {
				return errors.Wrap(err, "failed to stamp message record")
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("record %d: %w", st.RecordID, domain.ErrStatusConflict)
			}
		}

		ts.ID = id
		return nil
	})
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	defer observe("mark_failed", time.Now())

	ids = domain.UniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqlCheckTransitions(ctx, tx, ids, domain.StatusFailed); err != nil {
			return err
		}
		in, args := inClause(ids)
		args = append([]any{reason}, args...)
		if _, err := tx.ExecContext(ctx, `UPDATE message_records SET status = 'FAILED', failure_reason = ? WHERE id IN `+in, args...); err != nil {
			return errors.Wrap(err, "failed to mark records failed")
		}
		return nil
	})
}

func (s *SQLiteStore) FindPending(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM message_records WHERE status = 'PENDING' ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find pending records")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending record")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) FindByQueryID(ctx context.Context, f domain.QueryFilter) ([]*domain.MessageRecord, error) {
	var direction string
	if f.Direction != nil {
		direction = string(*f.Direction)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM message_records
		WHERE query_id = ?1
			AND (?2 = '' OR client_id = ?2)
			AND (?3 = '' OR direction = ?3)
		ORDER BY id`, f.QueryID, f.ClientID, direction)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find records by query id")
	}
	return collectSQLRecords(rows)
}

func (s *SQLiteStore) FindUnarchivedTimestamped(ctx context.Context, before time.Time, limit int) ([]*domain.MessageRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM message_records
		WHERE status = 'TIMESTAMPED' AND created_at < ?
		ORDER BY timestamp_record_id, chain_position
		LIMIT ?`, before.UnixNano(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unarchived records")
	}
	return collectSQLRecords(rows)
}

func (s *SQLiteStore) ChainTail(ctx context.Context) ([]byte, error) {
	return sqlChainTail(ctx, s.db)
}

func (s *SQLiteStore) GetTimestampRecord(ctx context.Context, id int64) (*domain.TimestampRecord, error) {
	ts := &domain.TimestampRecord{}
	var recordIDs string
	var issuedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tsa_url, token, hash_algorithm, prev_hash, root_hash, record_ids, issued_at
		FROM timestamp_records WHERE id = ?`, id,
	).Scan(&ts.ID, &ts.TSAURL, &ts.Token, &ts.HashAlgorithm, &ts.PrevHash, &ts.RootHash, &recordIDs, &issuedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("timestamp record %d: %w", id, domain.ErrTimestampNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get timestamp record")
	}
	if err := json.Unmarshal([]byte(recordIDs), &ts.RecordIDs); err != nil {
		return nil, errors.Wrap(err, "failed to decode covered record ids")
	}
	ts.IssuedAt = time.Unix(0, issuedAt).UTC()
	return ts, nil
}

func (s *SQLiteStore) LatestArchiveUnit(ctx context.Context, group string) (*domain.ArchiveUnit, error) {
	return sqlLatestUnit(ctx, s.db, group)
}

func (s *SQLiteStore) SaveArchiveUnit(ctx context.Context, u *domain.ArchiveUnit) error {
	defer observe("save_archive_unit", time.Now())

	if len(u.RecordIDs) == 0 {
		return fmt.Errorf("archive unit without records")
	}
	recordIDs, err := json.Marshal(u.RecordIDs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal record ids")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := sqlLatestUnit(ctx, tx, u.GroupName)
		if err != nil {
			return err
		}
		if !domain.ContinuesArchive(prev, u) {
			return domain.ErrChainConflict
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO archive_units (
				id, group_name, period_start, period_end, record_ids,
				digest_of_first, digest_of_last, file_name, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.GroupName, u.PeriodStart.UnixNano(), u.PeriodEnd.UnixNano(), string(recordIDs),
			u.DigestOfFirst, u.DigestOfLast, u.FileName, u.CreatedAt.UnixNano())
		if err != nil {
			return errors.Wrap(err, "failed to insert archive unit")
		}

		ids := domain.UniqueIDs(u.RecordIDs)
		in, args := inClause(ids)
		res, err := tx.ExecContext(ctx, `
			UPDATE message_records SET status = 'ARCHIVED'
			WHERE status = 'TIMESTAMPED' AND id IN `+in, args...)
		if err != nil {
			return errors.Wrap(err, "failed to mark records archived")
		}
		if n, _ := res.RowsAffected(); n != int64(len(ids)) {
			return domain.ErrStatusConflict
		}
		return nil
	})
}

func (s *SQLiteStore) ListArchiveUnits(ctx context.Context, limit int) ([]*domain.ArchiveUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteUnitColumns+` FROM archive_units ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list archive units")
	}
	defer rows.Close()

	var units []*domain.ArchiveUnit
	for rows.Next() {
		u, err := scanSQLUnit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan archive unit")
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqlChainTail(ctx context.Context, q sqlQuerier) ([]byte, error) {
	var root []byte
	err := q.QueryRowContext(ctx, `SELECT root_hash FROM timestamp_records ORDER BY id DESC LIMIT 1`).Scan(&root)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read chain tail")
	}
	return root, nil
}

func sqlCheckTransitions(ctx context.Context, q sqlQuerier, ids []int64, status domain.Status) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `SELECT id, status FROM message_records WHERE id IN `+in, args...)
	if err != nil {
		return errors.Wrap(err, "failed to read record status")
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
		return errors.Wrap(err, "failed to read record status")
	}
	return checkTransitions(ids, current, status)
}

const sqliteUnitColumns = `
	id, group_name, period_start, period_end, record_ids,
	digest_of_first, digest_of_last, file_name, created_at`

func sqlLatestUnit(ctx context.Context, q sqlQuerier, group string) (*domain.ArchiveUnit, error) {
	u, err := scanSQLUnit(q.QueryRowContext(ctx, `
		SELECT `+sqliteUnitColumns+` FROM archive_units
		WHERE group_name = ? ORDER BY seq DESC LIMIT 1`, group))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest archive unit")
	}
	return u, nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLRecord(row sqlRow) (*domain.MessageRecord, error) {
	r := &domain.MessageRecord{}
	var direction, status string
	var createdAt int64
	err := row.Scan(
		&r.ID, &r.QueryID, &r.ClientID, &r.ServiceID, &direction,
		&r.Message, &r.Signature, &r.SignerCertificate, &r.Truncated, &r.BodyOmitted,
		&r.StepHash, &r.ChainPosition, &status, &r.TimestampRecordID,
		&r.FailureReason, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.Direction = domain.Direction(direction)
	r.Status = domain.Status(status)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return r, nil
}

func collectSQLRecords(rows *sql.Rows) ([]*domain.MessageRecord, error) {
	defer rows.Close()

	var records []*domain.MessageRecord
	for rows.Next() {
		r, err := scanSQLRecord(rows)
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

func scanSQLUnit(row sqlRow) (*domain.ArchiveUnit, error) {
	u := &domain.ArchiveUnit{}
	var recordIDs string
	var start, end, created int64
	err := row.Scan(
		&u.ID, &u.GroupName, &start, &end, &recordIDs,
		&u.DigestOfFirst, &u.DigestOfLast, &u.FileName, &created,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recordIDs), &u.RecordIDs); err != nil {
		return nil, fmt.Errorf("failed to decode archive record ids: %w", err)
	}
	u.PeriodStart = time.Unix(0, start).UTC()
	u.PeriodEnd = time.Unix(0, end).UTC()
	u.CreatedAt = time.Unix(0, created).UTC()
	return u, nil
}

// inClause binds ids as a single JSON array so the statement stays under
// SQLite's host parameter limit however large the batch is.
func inClause(ids []int64) (string, []any) {
	encoded, _ := json.Marshal(ids)
	return "(SELECT value FROM json_each(?))", []any{string(encoded)}
}
