package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	onRampColumns = `id, user_id, wallet_address, fiat_amount, fiat_currency, usd_amount, fee_amount, token_amount,
stablecoin, payment_ref, provider_ref, payment_url, payment_expires_at, status, tx_id, receipt_id, approved_by,
failure_reason, created_at, updated_at`
	offRampColumns = `id, user_id, wallet_address, token_amount, stablecoin, usd_amount, fee_amount, fiat_amount,
fiat_currency, deposit_address, memo, payout_method, payout_details, status, deposit_tx_id, escrow_tx_id, payout_ref,
payout_error, approved_by, failure_reason, created_at, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLite stores records in a local SQLite database.
type SQLite struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewSQLite opens a connection to the SQLite database at databasePath.
func NewSQLite(ctx context.Context, databasePath string, clk clock.Clock, logger *slog.Logger) (*SQLite, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps compare-and-set updates serialised.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &SQLite{
		db:     db,
		clock:  clk,
		logger: logger.With("component", "store_sqlite"),
	}, nil
}

// Close releases the database connection.
func (s *SQLite) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping ensures the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations applies every file under sqlite/ in lexicographical order.
func (s *SQLite) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, "sqlite")
	if err != nil {
		return fmt.Errorf("read sqlite migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(filesystem, "sqlite/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if len(content) == 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		s.logger.Debug("migration applied", "file", entry.Name())
	}
	return nil
}

func (s *SQLite) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// -- On-ramp --

func (s *SQLite) CreateOnRamp(ctx context.Context, rec *domain.OnRampSession) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = now
	const q = `
INSERT INTO onramp_sessions (` + onRampColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.UserID,
		rec.WalletAddress,
		rec.FiatAmount,
		rec.FiatCurrency,
		rec.USDAmount,
		rec.FeeAmount,
		rec.TokenAmount,
		rec.Stablecoin,
		rec.PaymentRef,
		rec.ProviderRef,
		rec.PaymentURL,
		toMillis(rec.PaymentExpiresAt),
		string(rec.Status),
		rec.TxID,
		rec.ReceiptID,
		rec.ApprovedBy,
		rec.FailureReason,
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert onramp session: %w", err)
	}
	return nil
}

func (s *SQLite) GetOnRamp(ctx context.Context, id string) (*domain.OnRampSession, error) {
	const q = `SELECT ` + onRampColumns + ` FROM onramp_sessions WHERE id = ? LIMIT 1;`
	rec, err := scanSQLiteOnRamp(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "get onramp session %s", id)
	}
	return rec, nil
}

func (s *SQLite) FindOnRampByPaymentRef(ctx context.Context, ref string) (*domain.OnRampSession, error) {
	const q = `SELECT ` + onRampColumns + ` FROM onramp_sessions WHERE payment_ref = ? LIMIT 1;`
	rec, err := scanSQLiteOnRamp(s.db.QueryRowContext(ctx, q, ref))
	if err != nil {
		return nil, notFound(err, "find onramp by payment ref %s", ref)
	}
	return rec, nil
}

func (s *SQLite) UpdateOnRamp(ctx context.Context, id string, expected domain.OnRampStatus, patch domain.OnRampPatch) (*domain.OnRampSession, error) {
	if !expected.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: onramp %s -> %s", domain.ErrInvalidState, expected, patch.Status)
	}
	const q = `
UPDATE onramp_sessions
SET status = ?,
    tx_id = CASE WHEN tx_id = '' THEN COALESCE(?, '') ELSE tx_id END,
    receipt_id = COALESCE(?, receipt_id),
    approved_by = COALESCE(?, approved_by),
    failure_reason = COALESCE(?, failure_reason),
    updated_at = ?
WHERE id = ? AND status = ?
RETURNING ` + onRampColumns + `;
`
	rec, err := scanSQLiteOnRamp(s.db.QueryRowContext(ctx, q,
		string(patch.Status),
		patch.TxID,
		patch.ReceiptID,
		patch.ApprovedBy,
		patch.FailureReason,
		s.now().UnixMilli(),
		id,
		string(expected),
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update onramp session %s: %w", id, err)
	}
	current, gerr := s.GetOnRamp(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: onramp session %s is %s, expected %s", domain.ErrStaleStatus, id, current.Status, expected)
}

func (s *SQLite) ListOnRampByStatus(ctx context.Context, status domain.OnRampStatus, limit int) ([]domain.OnRampSession, error) {
	if limit <= 0 {
		limit = -1
	}
	const q = `SELECT ` + onRampColumns + ` FROM onramp_sessions WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?;`
	return s.queryOnRamps(ctx, "list onramp by status", q, string(status), limit)
}

func (s *SQLite) ListOnRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OnRampSession, error) {
	const q = `SELECT ` + onRampColumns + ` FROM onramp_sessions WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC, id ASC;`
	return s.queryOnRamps(ctx, "list onramp by window", q, from.UnixMilli(), to.UnixMilli())
}

func (s *SQLite) queryOnRamps(ctx context.Context, op, q string, args ...any) ([]domain.OnRampSession, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.OnRampSession
	for rows.Next() {
		rec, err := scanSQLiteOnRamp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return out, nil
}

func scanSQLiteOnRamp(row rowScanner) (*domain.OnRampSession, error) {
	var (
		rec                         domain.OnRampSession
		status                      string
		expiresAt, created, updated int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.WalletAddress,
		&rec.FiatAmount,
		&rec.FiatCurrency,
		&rec.USDAmount,
		&rec.FeeAmount,
		&rec.TokenAmount,
		&rec.Stablecoin,
		&rec.PaymentRef,
		&rec.ProviderRef,
		&rec.PaymentURL,
		&expiresAt,
		&status,
		&rec.TxID,
		&rec.ReceiptID,
		&rec.ApprovedBy,
		&rec.FailureReason,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	rec.Status = domain.OnRampStatus(status)
	rec.PaymentExpiresAt = fromMillis(expiresAt)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// -- Off-ramp --

func (s *SQLite) CreateOffRamp(ctx context.Context, rec *domain.OffRampRequest) error {
	details, err := json.Marshal(rec.PayoutDetails)
	if err != nil {
		return fmt.Errorf("encode payout details: %w", err)
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = now
	const q = `
INSERT INTO offramp_requests (` + offRampColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		rec.UserID,
		rec.WalletAddress,
		rec.TokenAmount,
		rec.Stablecoin,
		rec.USDAmount,
		rec.FeeAmount,
		rec.FiatAmount,
		rec.FiatCurrency,
		rec.DepositAddress,
		rec.Memo,
		string(rec.PayoutMethod),
		string(details),
		string(rec.Status),
		rec.DepositTxID,
		rec.EscrowTxID,
		rec.PayoutRef,
		rec.PayoutError,
		rec.ApprovedBy,
		rec.FailureReason,
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isSQLiteUnique(err, "memo") {
			return fmt.Errorf("insert offramp request: %w", domain.ErrDuplicateMemo)
		}
		return fmt.Errorf("insert offramp request: %w", err)
	}
	return nil
}

func (s *SQLite) GetOffRamp(ctx context.Context, id string) (*domain.OffRampRequest, error) {
	const q = `SELECT ` + offRampColumns + ` FROM offramp_requests WHERE id = ? LIMIT 1;`
	rec, err := scanSQLiteOffRamp(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "get offramp request %s", id)
	}
	return rec, nil
}

func (s *SQLite) FindOffRampByMemo(ctx context.Context, memo string) (*domain.OffRampRequest, error) {
	const q = `
SELECT ` + offRampColumns + ` FROM offramp_requests
WHERE memo = ? AND status NOT IN ('completed', 'failed', 'rejected')
LIMIT 1;
`
	rec, err := scanSQLiteOffRamp(s.db.QueryRowContext(ctx, q, memo))
	if err != nil {
		return nil, notFound(err, "find offramp by memo %s", memo)
	}
	return rec, nil
}

func (s *SQLite) FindOffRampByPayoutRef(ctx context.Context, ref string) (*domain.OffRampRequest, error) {
	const q = `SELECT ` + offRampColumns + ` FROM offramp_requests WHERE payout_ref = ? AND payout_ref <> '' LIMIT 1;`
	rec, err := scanSQLiteOffRamp(s.db.QueryRowContext(ctx, q, ref))
	if err != nil {
		return nil, notFound(err, "find offramp by payout ref %s", ref)
	}
	return rec, nil
}

func (s *SQLite) UpdateOffRamp(ctx context.Context, id string, expected domain.OffRampStatus, patch domain.OffRampPatch) (*domain.OffRampRequest, error) {
	if !expected.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: offramp %s -> %s", domain.ErrInvalidState, expected, patch.Status)
	}
	const q = `
UPDATE offramp_requests
SET status = ?,
    deposit_tx_id = CASE WHEN deposit_tx_id = '' THEN COALESCE(?, '') ELSE deposit_tx_id END,
    escrow_tx_id = CASE WHEN escrow_tx_id = '' THEN COALESCE(?, '') ELSE escrow_tx_id END,
    payout_ref = COALESCE(?, payout_ref),
    payout_error = COALESCE(?, payout_error),
    approved_by = COALESCE(?, approved_by),
    failure_reason = COALESCE(?, failure_reason),
    updated_at = ?
WHERE id = ? AND status = ?
RETURNING ` + offRampColumns + `;
`
	rec, err := scanSQLiteOffRamp(s.db.QueryRowContext(ctx, q,
		string(patch.Status),
		patch.DepositTxID,
		patch.EscrowTxID,
		patch.PayoutRef,
		patch.PayoutError,
		patch.ApprovedBy,
		patch.FailureReason,
		s.now().UnixMilli(),
		id,
		string(expected),
	))
	if err == nil {
		return rec, nil
	}
	if isSQLiteUnique(err, "deposit_tx_id") {
		return nil, fmt.Errorf("update offramp request %s: %w", id, domain.ErrDuplicateDeposit)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update offramp request %s: %w", id, err)
	}
	current, gerr := s.GetOffRamp(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: offramp request %s is %s, expected %s", domain.ErrStaleStatus, id, current.Status, expected)
}

func (s *SQLite) ListOffRampByStatus(ctx context.Context, status domain.OffRampStatus, limit int) ([]domain.OffRampRequest, error) {
	if limit <= 0 {
		limit = -1
	}
	const q = `SELECT ` + offRampColumns + ` FROM offramp_requests WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?;`
	return s.queryOffRamps(ctx, "list offramp by status", q, string(status), limit)
}

func (s *SQLite) ListOffRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OffRampRequest, error) {
	const q = `SELECT ` + offRampColumns + ` FROM offramp_requests WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC, id ASC;`
	return s.queryOffRamps(ctx, "list offramp by window", q, from.UnixMilli(), to.UnixMilli())
}

func (s *SQLite) queryOffRamps(ctx context.Context, op, q string, args ...any) ([]domain.OffRampRequest, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.OffRampRequest
	for rows.Next() {
		rec, err := scanSQLiteOffRamp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return out, nil
}

func scanSQLiteOffRamp(row rowScanner) (*domain.OffRampRequest, error) {
	var (
		rec                     domain.OffRampRequest
		method, details, status string
		created, updated        int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.WalletAddress,
		&rec.TokenAmount,
		&rec.Stablecoin,
		&rec.USDAmount,
		&rec.FeeAmount,
		&rec.FiatAmount,
		&rec.FiatCurrency,
		&rec.DepositAddress,
		&rec.Memo,
		&method,
		&details,
		&status,
		&rec.DepositTxID,
		&rec.EscrowTxID,
		&rec.PayoutRef,
		&rec.PayoutError,
		&rec.ApprovedBy,
		&rec.FailureReason,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	rec.PayoutMethod = domain.PayoutMethod(method)
	rec.Status = domain.OffRampStatus(status)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &rec.PayoutDetails); err != nil {
			return nil, fmt.Errorf("decode payout details: %w", err)
		}
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

func isSQLiteUnique(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

func notFound(err error, format string, args ...any) error {
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
