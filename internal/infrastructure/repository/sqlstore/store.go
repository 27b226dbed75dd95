package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const recordColumns = `hash, document_id, title, filenames, status, error, superseded_by, lease_owner, lease_until, first_seen_at, updated_at`

// Store is the processed index backed by database/sql.
type Store struct {
	db       *sql.DB
	dialect  dialect
	owner    string
	leaseTTL time.Duration
	now      func() time.Time
}

// Options configures lease ownership for concurrent pipeline instances.
type Options struct {
	Owner    string
	LeaseTTL time.Duration
}

func newStore(db *sql.DB, d dialect, opts Options) *Store {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{
		db:       db,
		dialect:  d,
		owner:    opts.Owner,
		leaseTTL: ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenSQLite opens the embedded index, creates the schema and refuses a corrupt file.
func OpenSQLite(ctx context.Context, path string, opts Options) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "open sqlite index", err)
	}
	db.SetMaxOpenConns(4)

	store := newStore(db, dialectSQLite, opts)
	if err := store.CheckIntegrity(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenPostgres opens a shared index for deployments that run on more than one host.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "open postgres index", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.WrapError(domain.ErrStorage, "ping postgres index", err)
	}
	store := newStore(db, dialectPostgres, opts)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CheckIntegrity fails on anything but a clean quick_check. A damaged index
// must stop the run instead of looking empty.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	if s.dialect == dialectPostgres {
		if err := s.db.PingContext(ctx); err != nil {
			return domain.WrapError(domain.ErrStorage, "check index", err)
		}
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `PRAGMA quick_check`)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "check index", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return domain.WrapError(domain.ErrStorage, "check index", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.WrapError(domain.ErrStorage, "check index", err)
	}
	if len(problems) > 0 {
		return domain.WrapError(domain.ErrStorage, "check index", fmt.Errorf("quick_check: %s", strings.Join(problems, "; ")))
	}
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "begin schema tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if s.dialect == dialectPostgres {
		// Serialize bootstrap DDL across concurrent startups.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101701)); err != nil {
			return domain.WrapError(domain.ErrStorage, "acquire schema lock", err)
		}
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS processed_files (
	hash TEXT PRIMARY KEY,
	document_id BIGINT,
	title TEXT NOT NULL DEFAULT '',
	filenames TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	superseded_by TEXT NOT NULL DEFAULT '',
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_until BIGINT,
	first_seen_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_files_title ON processed_files (lower(title));
CREATE INDEX IF NOT EXISTS idx_processed_files_status ON processed_files (status);
CREATE INDEX IF NOT EXISTS idx_processed_files_document_id ON processed_files (document_id);
`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return domain.WrapError(domain.ErrStorage, "execute schema ddl", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.ErrStorage, "commit schema tx", err)
	}
	return nil
}

func (s *Store) IsProcessed(ctx context.Context, hash string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM processed_files WHERE hash = ?`), hash).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.WrapError(domain.ErrStorage, "is processed", err)
	}
	st := domain.RecordStatus(status)
	return st == domain.StatusUploaded || st == domain.StatusTagged, nil
}

// MarkSeen inserts the record if absent, appends filenames and tries to take
// the processing lease, all in one transaction.
func (s *Store) MarkSeen(ctx context.Context, hash string, filenames ...string) (domain.SeenResult, error) {
	if strings.TrimSpace(hash) == "" {
		return domain.SeenResult{}, domain.WrapError(domain.ErrInvalidInput, "mark seen", errors.New("empty hash"))
	}

	var result domain.SeenResult
	err := s.withTx(ctx, "mark seen", func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO processed_files (hash, title, filenames, status, error, superseded_by, lease_owner, first_seen_at, updated_at)
VALUES (?, '', '[]', ?, '', '', '', ?, ?)
ON CONFLICT (hash) DO NOTHING
`), hash, string(domain.StatusSeen), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return domain.WrapError(domain.ErrStorage, "insert seen record", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 1 {
			result.Created = true
		}

		rec, err := s.getRecord(ctx, tx, hash, true)
		if err != nil {
			return err
		}

		merged, changed := domain.MergeFilenames(rec.Filenames, filenames...)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return domain.WrapError(domain.ErrStorage, "encode filenames", err)
		}

		claimed := s.canClaim(rec, now)
		owner := rec.LeaseOwner
		var until any
		if rec.LeaseUntil != nil {
			until = rec.LeaseUntil.UnixMilli()
		}
		if claimed {
			owner = s.owner
			leaseUntil := now.Add(s.leaseTTL)
			rec.LeaseUntil = &leaseUntil
			until = leaseUntil.UnixMilli()
		}
		// Leases move on every poll; updated_at only tracks record content.
		updated := rec.UpdatedAt.UnixMilli()
		if changed || result.Created {
			updated = now.UnixMilli()
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET filenames = ?, lease_owner = ?, lease_until = ?, updated_at = ?
WHERE hash = ?
`), string(encoded), owner, until, updated, hash); err != nil {
			return domain.WrapError(domain.ErrStorage, "update seen record", err)
		}

		rec.Filenames = merged
		rec.LeaseOwner = owner
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		result.Record = rec
		result.Claimed = claimed
		return nil
	})
	if err != nil {
		return domain.SeenResult{}, err
	}
	return result, nil
}

func (s *Store) canClaim(rec domain.ProcessedRecord, now time.Time) bool {
	if rec.LeaseOwner == "" || rec.LeaseOwner == s.owner {
		return true
	}
	return rec.LeaseUntil == nil || !rec.LeaseUntil.After(now)
}

// RecordUploaded moves a seen/failed record to uploaded. A tagged record keeps its
// status; a nil documentID keeps the stored one.
func (s *Store) RecordUploaded(ctx context.Context, hash string, documentID *int, title string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET status = CASE WHEN status = 'tagged' THEN 'tagged' ELSE 'uploaded' END,
	document_id = COALESCE(?, document_id),
	title = COALESCE(NULLIF(?, ''), title),
	error = '',
	updated_at = ?
WHERE hash = ?
`), nullableInt(documentID), title, s.now().UnixMilli(), hash)
	return s.expectOneRow(res, err, "record uploaded", hash)
}

func (s *Store) RecordTagged(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET status = 'tagged', error = '', updated_at = ?
WHERE hash = ?
`), s.now().UnixMilli(), hash)
	return s.expectOneRow(res, err, "record tagged", hash)
}

// RecordFailed stores the failure reason. Records already in the DMS keep their status.
func (s *Store) RecordFailed(ctx context.Context, hash, reason string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET status = CASE WHEN status IN ('uploaded', 'tagged') THEN status ELSE 'failed' END,
	error = ?,
	updated_at = ?
WHERE hash = ?
`), reason, s.now().UnixMilli(), hash)
	return s.expectOneRow(res, err, "record failed", hash)
}

// ClearAttention removes the needs-attention marker. Records without one
// are left untouched.
func (s *Store) ClearAttention(ctx context.Context, hash string) error {
	if _, err := s.getRecord(ctx, s.db, hash, false); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET error = '', updated_at = ?
WHERE hash = ? AND error LIKE ?
`), s.now().UnixMilli(), hash, domain.AttentionPrefix+"%")
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "clear attention", err)
	}
	return nil
}

// Release drops the processing lease held by this store's owner.
func (s *Store) Release(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET lease_owner = '', lease_until = NULL
WHERE hash = ? AND lease_owner = ?
`), hash, s.owner)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "release lease", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, hash string) (domain.ProcessedRecord, error) {
	return s.getRecord(ctx, s.db, hash, false)
}

func (s *Store) List(ctx context.Context, filter domain.RecordFilter) ([]domain.ProcessedRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `SELECT ` + recordColumns + ` FROM processed_files`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC, hash LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "list records", err)
	}
	defer rows.Close()

	out := make([]domain.ProcessedRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStorage, "scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "list records", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files`).Scan(&n); err != nil {
		return 0, domain.WrapError(domain.ErrStorage, "count records", err)
	}
	return n, nil
}

// Purge deletes one record. Only operators call this.
func (s *Store) Purge(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM processed_files WHERE hash = ?`), hash)
	return s.expectOneRow(res, err, "purge record", hash)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRecord(ctx context.Context, q queryer, hash string, forUpdate bool) (domain.ProcessedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processed_files WHERE hash = ?`
	if forUpdate && s.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}
	rec, err := scanRecord(q.QueryRowContext(ctx, s.rebind(query), hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrRecordNotFound, "get record", fmt.Errorf("hash %s", hash))
	}
	if err != nil {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrStorage, "get record", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.ProcessedRecord, error) {
	var (
		rec        domain.ProcessedRecord
		documentID sql.NullInt64
		filenames  string
		status     string
		leaseUntil sql.NullInt64
		firstSeen  int64
		updated    int64
	)
	err := row.Scan(
		&rec.Hash, &documentID, &rec.Title, &filenames, &status, &rec.Error,
		&rec.SupersededBy, &rec.LeaseOwner, &leaseUntil, &firstSeen, &updated,
	)
	if err != nil {
		return domain.ProcessedRecord{}, err
	}
	if documentID.Valid {
		id := int(documentID.Int64)
		rec.DocumentID = &id
	}
	if leaseUntil.Valid {
		until := time.UnixMilli(leaseUntil.Int64).UTC()
		rec.LeaseUntil = &until
	}
	rec.Filenames = []string{}
	if filenames != "" {
		if err := json.Unmarshal([]byte(filenames), &rec.Filenames); err != nil {
			return domain.ProcessedRecord{}, fmt.Errorf("decode filenames: %w", err)
		}
	}
	rec.Status = domain.RecordStatus(status)
	rec.FirstSeenAt = time.UnixMilli(firstSeen).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func (s *Store) withTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, operation+": begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.ErrStorage, operation+": commit tx", err)
	}
	return nil
}

func (s *Store) expectOneRow(res sql.Result, err error, operation, hash string) error {
	if err != nil {
		return domain.WrapError(domain.ErrStorage, operation, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.WrapError(domain.ErrStorage, operation, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrRecordNotFound, operation, fmt.Errorf("hash %s", hash))
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
