/*
Package sqlite provides a SQLite-backed implementation of filing.TxStore.

PURPOSE:
  Persists finalized submissions, upgrade links and checkout intents. The
  engine treats it as the external key-value store: records go in whole and
  come back whole.

KEY TABLES:
  submissions:   one row per submission; the full snapshot is kept as JSON,
                 the columns the engine filters or updates on are split out
  upgrade_links: monitoring -> filing relation, primary key on the original
                 so a second link cannot be inserted
  intents:       write-ahead checkout records, unique on idempotency key

WRITE RULES:
  - A submission row is inserted once. Later writes only touch
    payment_status/transaction_id (compare-and-set) and upgraded_to
    (set once, guarded by "upgraded_to IS NULL").
  - SaveUpgrade runs its three writes in one SQL transaction.

CONCURRENCY:
  Uses sync.RWMutex around the connection pool; SQLite allows a single
  writer. ":memory:" databases are pinned to one connection so every query
  sees the same database.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging): readers do not
  block the writer and crash recovery is better.

USAGE:
  st, err := sqlite.New("./data/nylta.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

MIGRATION:
  Schema is auto-migrated on New(). Statements are idempotent
  (CREATE ... IF NOT EXISTS).

SEE ALSO:
  - filing/store.go: interface definitions
  - filing/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/nylta/bulk-filing/filing"
)

const timeLayout = time.RFC3339Nano

// Store implements filing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open database")
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	st := &Store{db: db}
	if err := st.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return eris.Wrap(err, "sqlite: ping")
	}
	return nil
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		confirmation_number TEXT NOT NULL,
		firm_ein TEXT NOT NULL DEFAULT '',
		service_type TEXT NOT NULL,
		client_count INTEGER NOT NULL,
		amount_paid TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		transaction_id TEXT,
		upgraded_from TEXT,
		upgraded_to TEXT,
		snapshot_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_firm_created
		ON submissions(firm_ein, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_submissions_created
		ON submissions(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_submissions_status
		ON submissions(payment_status);

	-- One link per original; the primary key is the at-most-once guard.
	CREATE TABLE IF NOT EXISTS upgrade_links (
		original_submission_id TEXT PRIMARY KEY REFERENCES submissions(id),
		upgraded_submission_id TEXT NOT NULL UNIQUE REFERENCES submissions(id),
		upgrade_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		submission_id TEXT NOT NULL DEFAULT '',
		original_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT,
		transaction_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_intents_status_created
		ON intents(status, created_at);
	`

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db querier
}

const submissionColumns = `snapshot_json, payment_status, transaction_id, upgraded_to`

func (q queries) saveSubmission(ctx context.Context, sub *filing.Submission) error {
	if sub == nil || sub.ID == "" {
		return &filing.ValidationError{Field: "id", Reason: "submission id required"}
	}
	snapshot, err := json.Marshal(sub)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode submission")
	}
	firmEIN := ""
	if sub.FirmInfo != nil {
		firmEIN = sub.FirmInfo.EIN
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO submissions
		(id, confirmation_number, firm_ein, service_type, client_count, amount_paid,
		 payment_status, transaction_id, upgraded_from, upgraded_to, snapshot_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.ConfirmationNumber,
		firmEIN,
		string(sub.ServiceType),
		sub.ClientCount,
		sub.AmountPaid.StringFixed(2),
		string(sub.PaymentStatus),
		nullString(sub.TransactionID),
		nullString(sub.UpgradedFrom),
		nullString(sub.UpgradedTo),
		string(snapshot),
		sub.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &filing.ValidationError{Field: "id", Reason: fmt.Sprintf("submission %s already exists", sub.ID)}
		}
		return eris.Wrapf(err, "sqlite: insert submission %s", sub.ID)
	}
	return nil
}

func (q queries) getSubmission(ctx context.Context, id string) (*filing.Submission, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, filing.ErrNotFound)
	}
	return sub, err
}

func (q queries) listSubmissions(ctx context.Context, f filing.SubmissionFilter) ([]*filing.Submission, error) {
	var (
		where []string
		args  []any
	)
	if f.FirmEIN != "" {
		where = append(where, "firm_ein = ?")
		args = append(args, f.FirmEIN)
	}
	if f.ServiceType != "" {
		where = append(where, "service_type = ?")
		args = append(args, string(f.ServiceType))
	}
	if f.PaymentStatus != "" {
		where = append(where, "payment_status = ?")
		args = append(args, string(f.PaymentStatus))
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query submissions")
	}
	defer rows.Close()

	result := []*filing.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate submissions")
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSubmission decodes the snapshot and overlays the mutable columns.
func scanSubmission(row scanner) (*filing.Submission, error) {
	var (
		snapshot      string
		paymentStatus string
		transactionID sql.NullString
		upgradedTo    sql.NullString
	)
	if err := row.Scan(&snapshot, &paymentStatus, &transactionID, &upgradedTo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan submission")
	}

	var sub filing.Submission
	if err := json.Unmarshal([]byte(snapshot), &sub); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode submission")
	}
	sub.PaymentStatus = filing.PaymentStatus(paymentStatus)
	sub.TransactionID = transactionID.String
	sub.UpgradedTo = upgradedTo.String
	return &sub, nil
}

func (q queries) updatePaymentStatus(ctx context.Context, id string, from, to filing.PaymentStatus, txID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE submissions
		SET payment_status = ?, transaction_id = COALESCE(NULLIF(?, ''), transaction_id)
		WHERE id = ? AND payment_status = ?`,
		string(to), txID, id, string(from))
	if err != nil {
		return eris.Wrapf(err, "sqlite: update payment status of %s", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = q.db.QueryRowContext(ctx, `SELECT payment_status FROM submissions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submission %s: %w", id, filing.ErrNotFound)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read payment status of %s", id)
	}
	return &filing.ValidationError{
		Field:  "payment_status",
		Reason: fmt.Sprintf("expected %s, found %s", from, current),
	}
}

// saveUpgrade must run inside a transaction; see Store.SaveUpgrade.
func (q queries) saveUpgrade(ctx context.Context, originalID string, upgraded *filing.Submission, link filing.UpgradeLink) error {
	var upgradedTo sql.NullString
	err := q.db.QueryRowContext(ctx, `SELECT upgraded_to FROM submissions WHERE id = ?`, originalID).Scan(&upgradedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submission %s: %w", originalID, filing.ErrNotFound)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read submission %s", originalID)
	}
	if upgradedTo.Valid && upgradedTo.String != "" {
		return &filing.AlreadyUpgradedError{SubmissionID: originalID, UpgradedTo: upgradedTo.String}
	}

	if err := q.saveSubmission(ctx, upgraded); err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE submissions SET upgraded_to = ? WHERE id = ? AND upgraded_to IS NULL`,
		upgraded.ID, originalID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link upgrade of %s", originalID)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &filing.AlreadyUpgradedError{SubmissionID: originalID}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO upgrade_links (original_submission_id, upgraded_submission_id, upgrade_amount, created_at)
		VALUES (?, ?, ?, ?)`,
		originalID, upgraded.ID, link.UpgradeAmount.StringFixed(2), link.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &filing.AlreadyUpgradedError{SubmissionID: originalID}
		}
		return eris.Wrapf(err, "sqlite: insert upgrade link for %s", originalID)
	}
	return nil
}

func (q queries) getUpgradeLink(ctx context.Context, originalID string) (*filing.UpgradeLink, error) {
	var (
		link      filing.UpgradeLink
		amount    string
		createdAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT original_submission_id, upgraded_submission_id, upgrade_amount, created_at
		FROM upgrade_links WHERE original_submission_id = ?`, originalID).
		Scan(&link.OriginalSubmissionID, &link.UpgradedSubmissionID, &amount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upgrade link for %s: %w", originalID, filing.ErrNotFound)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read upgrade link for %s", originalID)
	}
	if link.UpgradeAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode upgrade amount")
	}
	link.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &link, nil
}

// =============================================================================
// INTENT QUERIES
// =============================================================================

const intentColumns = `id, idempotency_key, kind, status, amount, submission_id, original_id,
	payload_json, transaction_id, error, created_at, updated_at`

func (q queries) createIntent(ctx context.Context, in filing.Intent) error {
	if in.IdempotencyKey == "" {
		return &filing.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	var payload sql.NullString
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: encode intent payload")
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID,
		in.IdempotencyKey,
		string(in.Kind),
		string(in.Status),
		in.Amount.StringFixed(2),
		in.SubmissionID,
		in.OriginalID,
		payload,
		in.TransactionID,
		in.Error,
		in.CreatedAt.UTC().Format(timeLayout),
		in.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return filing.ErrDuplicateIdempotencyKey
		}
		return eris.Wrapf(err, "sqlite: insert intent %s", in.IdempotencyKey)
	}
	return nil
}

func (q queries) getIntentByKey(ctx context.Context, key string) (*filing.Intent, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE idempotency_key = ?`, key)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", key, filing.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (q queries) updateIntent(ctx context.Context, in filing.Intent) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, transaction_id = ?, error = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		string(in.Status), in.TransactionID, in.Error, in.UpdatedAt.UTC().Format(timeLayout), in.IdempotencyKey)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update intent %s", in.IdempotencyKey)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", in.IdempotencyKey, filing.ErrNotFound)
	}
	return nil
}

func (q queries) listIntents(ctx context.Context, status filing.IntentStatus) ([]filing.Intent, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query intents")
	}
	defer rows.Close()

	var result []filing.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate intents")
	}
	return result, nil
}

func scanIntent(row scanner) (filing.Intent, error) {
	var (
		in                   filing.Intent
		kind, status, amount string
		payload              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&in.ID, &in.IdempotencyKey, &kind, &status, &amount, &in.SubmissionID, &in.OriginalID,
		&payload, &in.TransactionID, &in.Error, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return in, err
		}
		return in, eris.Wrap(err, "sqlite: scan intent")
	}

	in.Kind = filing.IntentKind(kind)
	in.Status = filing.IntentStatus(status)
	if in.Amount, err = decimal.NewFromString(amount); err != nil {
		return in, eris.Wrap(err, "sqlite: decode intent amount")
	}
	in.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	in.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if payload.Valid && payload.String != "" {
		var sub filing.Submission
		if err := json.Unmarshal([]byte(payload.String), &sub); err != nil {
			return in, eris.Wrap(err, "sqlite: decode intent payload")
		}
		in.Payload = &sub
	}
	return in, nil
}

// =============================================================================
// STORE (filing.Store interface)
// =============================================================================

func (s *Store) q() queries { return queries{db: s.db} }

func (s *Store) SaveSubmission(ctx context.Context, sub *filing.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().saveSubmission(ctx, sub)
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*filing.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getSubmission(ctx, id)
}

func (s *Store) ListSubmissions(ctx context.Context, f filing.SubmissionFilter) ([]*filing.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().listSubmissions(ctx, f)
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, from, to filing.PaymentStatus, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().updatePaymentStatus(ctx, id, from, to, txID)
}

// SaveUpgrade writes the upgraded submission, the forward link and the
// upgrade_links row in one SQL transaction.
func (s *Store) SaveUpgrade(ctx context.Context, originalID string, upgraded *filing.Submission, link filing.UpgradeLink) error {
	return s.WithTx(ctx, func(tx filing.Store) error {
		return tx.SaveUpgrade(ctx, originalID, upgraded, link)
	})
}

func (s *Store) GetUpgradeLink(ctx context.Context, originalID string) (*filing.UpgradeLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getUpgradeLink(ctx, originalID)
}

func (s *Store) CreateIntent(ctx context.Context, in filing.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().createIntent(ctx, in)
}

func (s *Store) GetIntentByKey(ctx context.Context, key string) (*filing.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getIntentByKey(ctx, key)
}

func (s *Store) UpdateIntent(ctx context.Context, in filing.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().updateIntent(ctx, in)
}

func (s *Store) ListIntents(ctx context.Context, status filing.IntentStatus) ([]filing.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().listIntents(ctx, status)
}

// =============================================================================
// TRANSACTIONAL STORE (filing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(filing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{db: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit")
	}
	return nil
}

// txStore runs every call on the open *sql.Tx.
type txStore struct {
	q queries
}

func (ts *txStore) SaveSubmission(ctx context.Context, sub *filing.Submission) error {
	return ts.q.saveSubmission(ctx, sub)
}

func (ts *txStore) GetSubmission(ctx context.Context, id string) (*filing.Submission, error) {
	return ts.q.getSubmission(ctx, id)
}

func (ts *txStore) ListSubmissions(ctx context.Context, f filing.SubmissionFilter) ([]*filing.Submission, error) {
	return ts.q.listSubmissions(ctx, f)
}

func (ts *txStore) UpdatePaymentStatus(ctx context.Context, id string, from, to filing.PaymentStatus, txID string) error {
	return ts.q.updatePaymentStatus(ctx, id, from, to, txID)
}

func (ts *txStore) SaveUpgrade(ctx context.Context, originalID string, upgraded *filing.Submission, link filing.UpgradeLink) error {
	return ts.q.saveUpgrade(ctx, originalID, upgraded, link)
}

func (ts *txStore) GetUpgradeLink(ctx context.Context, originalID string) (*filing.UpgradeLink, error) {
	return ts.q.getUpgradeLink(ctx, originalID)
}

func (ts *txStore) CreateIntent(ctx context.Context, in filing.Intent) error {
	return ts.q.createIntent(ctx, in)
}

func (ts *txStore) GetIntentByKey(ctx context.Context, key string) (*filing.Intent, error) {
	return ts.q.getIntentByKey(ctx, key)
}

func (ts *txStore) UpdateIntent(ctx context.Context, in filing.Intent) error {
	return ts.q.updateIntent(ctx, in)
}

func (ts *txStore) ListIntents(ctx context.Context, status filing.IntentStatus) ([]filing.Intent, error) {
	return ts.q.listIntents(ctx, status)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ filing.TxStore = (*Store)(nil)
	_ filing.Store   = (*txStore)(nil)
)
