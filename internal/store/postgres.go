package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgOnRampColumns = `id::text, user_id, wallet_address, fiat_amount::text, fiat_currency, usd_amount::text,
fee_amount::text, token_amount::text, stablecoin, payment_ref, provider_ref, payment_url, payment_expires_at, status,
tx_id, receipt_id, approved_by, failure_reason, created_at, updated_at`
	pgOffRampColumns = `id::text, user_id, wallet_address, token_amount::text, stablecoin, usd_amount::text,
fee_amount::text, fiat_amount::text, fiat_currency, deposit_address, memo, payout_method, payout_details::text, status,
deposit_tx_id, escrow_tx_id, payout_ref, payout_error, approved_by, failure_reason, created_at, updated_at`
	uniqueViolation = "23505"
)

// Postgres stores records in PostgreSQL through a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, clk clock.Clock, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	p := &Postgres{
		pool:   pool,
		clock:  clk,
		logger: logger.With("component", "store_postgres"),
		schema: schema,
	}

	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// RunMigrations executes the root SQL files in lexicographical order, each in its own transaction.
func (p *Postgres) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sqlBytes, err := fs.ReadFile(filesystem, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if len(sqlBytes) == 0 {
			continue
		}
		if err := p.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, string(sqlBytes))
			return err
		}); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// -- On-ramp --

func (p *Postgres) CreateOnRamp(ctx context.Context, rec *domain.OnRampSession) error {
	now := p.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	const q = `
INSERT INTO onramp_sessions (id, user_id, wallet_address, fiat_amount, fiat_currency, usd_amount, fee_amount,
    token_amount, stablecoin, payment_ref, provider_ref, payment_url, payment_expires_at, status, tx_id, receipt_id,
    approved_by, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20);
`
	_, err := p.pool.Exec(ctx, q,
		rec.ID,
		rec.UserID,
		rec.WalletAddress,
		rec.FiatAmount.String(),
		rec.FiatCurrency,
		rec.USDAmount.String(),
		rec.FeeAmount.String(),
		rec.TokenAmount.String(),
		rec.Stablecoin,
		rec.PaymentRef,
		rec.ProviderRef,
		rec.PaymentURL,
		nullableTime(rec.PaymentExpiresAt),
		string(rec.Status),
		rec.TxID,
		rec.ReceiptID,
		rec.ApprovedBy,
		rec.FailureReason,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert onramp session: %w", err)
	}
	return nil
}

func (p *Postgres) GetOnRamp(ctx context.Context, id string) (*domain.OnRampSession, error) {
	const q = `SELECT ` + pgOnRampColumns + ` FROM onramp_sessions WHERE id = $1 LIMIT 1;`
	rec, err := scanPGOnRamp(p.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, pgNotFound(err, "get onramp session %s", id)
	}
	return rec, nil
}

func (p *Postgres) FindOnRampByPaymentRef(ctx context.Context, ref string) (*domain.OnRampSession, error) {
	const q = `SELECT ` + pgOnRampColumns + ` FROM onramp_sessions WHERE payment_ref = $1 LIMIT 1;`
	rec, err := scanPGOnRamp(p.pool.QueryRow(ctx, q, ref))
	if err != nil {
		return nil, pgNotFound(err, "find onramp by payment ref %s", ref)
	}
	return rec, nil
}

func (p *Postgres) UpdateOnRamp(ctx context.Context, id string, expected domain.OnRampStatus, patch domain.OnRampPatch) (*domain.OnRampSession, error) {
	if !expected.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: onramp %s -> %s", domain.ErrInvalidState, expected, patch.Status)
	}
	const q = `
UPDATE onramp_sessions
SET status = $3,
    tx_id = CASE WHEN tx_id = '' THEN COALESCE($4, '') ELSE tx_id END,
    receipt_id = COALESCE($5, receipt_id),
    approved_by = COALESCE($6, approved_by),
    failure_reason = COALESCE($7, failure_reason),
    updated_at = $8
WHERE id = $1 AND status = $2
RETURNING ` + pgOnRampColumns + `;
`
	rec, err := scanPGOnRamp(p.pool.QueryRow(ctx, q,
		id,
		string(expected),
		string(patch.Status),
		patch.TxID,
		patch.ReceiptID,
		patch.ApprovedBy,
		patch.FailureReason,
		p.clock.Now().UTC(),
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update onramp session %s: %w", id, err)
	}
	current, gerr := p.GetOnRamp(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: onramp session %s is %s, expected %s", domain.ErrStaleStatus, id, current.Status, expected)
}

func (p *Postgres) ListOnRampByStatus(ctx context.Context, status domain.OnRampStatus, limit int) ([]domain.OnRampSession, error) {
	const q = `SELECT ` + pgOnRampColumns + ` FROM onramp_sessions WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2;`
	return p.queryOnRamps(ctx, "list onramp by status", q, string(status), nullableLimit(limit))
}

func (p *Postgres) ListOnRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OnRampSession, error) {
	const q = `SELECT ` + pgOnRampColumns + ` FROM onramp_sessions WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC, id ASC;`
	return p.queryOnRamps(ctx, "list onramp by window", q, from.UTC(), to.UTC())
}

func (p *Postgres) queryOnRamps(ctx context.Context, op, q string, args ...any) ([]domain.OnRampSession, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.OnRampSession
	for rows.Next() {
		rec, err := scanPGOnRamp(rows)
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

func scanPGOnRamp(row rowScanner) (*domain.OnRampSession, error) {
	var (
		rec                           domain.OnRampSession
		fiat, usd, fee, token, status string
		expiresAt                     *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.WalletAddress,
		&fiat,
		&rec.FiatCurrency,
		&usd,
		&fee,
		&token,
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
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if rec.FiatAmount, err = parseAmount(fiat); err != nil {
		return nil, err
	}
	if rec.USDAmount, err = parseAmount(usd); err != nil {
		return nil, err
	}
	if rec.FeeAmount, err = parseAmount(fee); err != nil {
		return nil, err
	}
	if rec.TokenAmount, err = parseAmount(token); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		rec.PaymentExpiresAt = expiresAt.UTC()
	}
	rec.Status = domain.OnRampStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// -- Off-ramp --

func (p *Postgres) CreateOffRamp(ctx context.Context, rec *domain.OffRampRequest) error {
	details, err := json.Marshal(rec.PayoutDetails)
	if err != nil {
		return fmt.Errorf("encode payout details: %w", err)
	}
	now := p.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	const q = `
INSERT INTO offramp_requests (id, user_id, wallet_address, token_amount, stablecoin, usd_amount, fee_amount,
    fiat_amount, fiat_currency, deposit_address, memo, payout_method, payout_details, status, deposit_tx_id,
    escrow_tx_id, payout_ref, payout_error, approved_by, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16, $17, $18, $19, $20, $21, $22);
`
	_, err = p.pool.Exec(ctx, q,
		rec.ID,
		rec.UserID,
		rec.WalletAddress,
		rec.TokenAmount.String(),
		rec.Stablecoin,
		rec.USDAmount.String(),
		rec.FeeAmount.String(),
		rec.FiatAmount.String(),
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
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isPGUnique(err, "idx_offramp_requests_open_memo") {
			return fmt.Errorf("insert offramp request: %w", domain.ErrDuplicateMemo)
		}
		return fmt.Errorf("insert offramp request: %w", err)
	}
	return nil
}

func (p *Postgres) GetOffRamp(ctx context.Context, id string) (*domain.OffRampRequest, error) {
	const q = `SELECT ` + pgOffRampColumns + ` FROM offramp_requests WHERE id = $1 LIMIT 1;`
	rec, err := scanPGOffRamp(p.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, pgNotFound(err, "get offramp request %s", id)
	}
	return rec, nil
}

func (p *Postgres) FindOffRampByMemo(ctx context.Context, memo string) (*domain.OffRampRequest, error) {
	const q = `
SELECT ` + pgOffRampColumns + ` FROM offramp_requests
WHERE memo = $1 AND status NOT IN ('completed', 'failed', 'rejected')
LIMIT 1;
`
	rec, err := scanPGOffRamp(p.pool.QueryRow(ctx, q, memo))
	if err != nil {
		return nil, pgNotFound(err, "find offramp by memo %s", memo)
	}
	return rec, nil
}

func (p *Postgres) FindOffRampByPayoutRef(ctx context.Context, ref string) (*domain.OffRampRequest, error) {
	const q = `SELECT ` + pgOffRampColumns + ` FROM offramp_requests WHERE payout_ref = $1 AND payout_ref <> '' LIMIT 1;`
	rec, err := scanPGOffRamp(p.pool.QueryRow(ctx, q, ref))
	if err != nil {
		return nil, pgNotFound(err, "find offramp by payout ref %s", ref)
	}
	return rec, nil
}

func (p *Postgres) UpdateOffRamp(ctx context.Context, id string, expected domain.OffRampStatus, patch domain.OffRampPatch) (*domain.OffRampRequest, error) {
	if !expected.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: offramp %s -> %s", domain.ErrInvalidState, expected, patch.Status)
	}
	const q = `
UPDATE offramp_requests
SET status = $3,
    deposit_tx_id = CASE WHEN deposit_tx_id = '' THEN COALESCE($4, '') ELSE deposit_tx_id END,
    escrow_tx_id = CASE WHEN escrow_tx_id = '' THEN COALESCE($5, '') ELSE escrow_tx_id END,
    payout_ref = COALESCE($6, payout_ref),
    payout_error = COALESCE($7, payout_error),
    approved_by = COALESCE($8, approved_by),
    failure_reason = COALESCE($9, failure_reason),
    updated_at = $10
WHERE id = $1 AND status = $2
RETURNING ` + pgOffRampColumns + `;
`
	rec, err := scanPGOffRamp(p.pool.QueryRow(ctx, q,
		id,
		string(expected),
		string(patch.Status),
		patch.DepositTxID,
		patch.EscrowTxID,
		patch.PayoutRef,
		patch.PayoutError,
		patch.ApprovedBy,
		patch.FailureReason,
		p.clock.Now().UTC(),
	))
	if err == nil {
		return rec, nil
	}
	if isPGUnique(err, "idx_offramp_requests_deposit_tx") {
		return nil, fmt.Errorf("update offramp request %s: %w", id, domain.ErrDuplicateDeposit)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update offramp request %s: %w", id, err)
	}
	current, gerr := p.GetOffRamp(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: offramp request %s is %s, expected %s", domain.ErrStaleStatus, id, current.Status, expected)
}

func (p *Postgres) ListOffRampByStatus(ctx context.Context, status domain.OffRampStatus, limit int) ([]domain.OffRampRequest, error) {
	const q = `SELECT ` + pgOffRampColumns + ` FROM offramp_requests WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2;`
	return p.queryOffRamps(ctx, "list offramp by status", q, string(status), nullableLimit(limit))
}

func (p *Postgres) ListOffRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OffRampRequest, error) {
	const q = `SELECT ` + pgOffRampColumns + ` FROM offramp_requests WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC, id ASC;`
	return p.queryOffRamps(ctx, "list offramp by window", q, from.UTC(), to.UTC())
}

func (p *Postgres) queryOffRamps(ctx context.Context, op, q string, args ...any) ([]domain.OffRampRequest, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.OffRampRequest
	for rows.Next() {
		rec, err := scanPGOffRamp(rows)
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

func scanPGOffRamp(row rowScanner) (*domain.OffRampRequest, error) {
	var (
		rec                     domain.OffRampRequest
		token, usd, fee, fiat   string
		method, details, status string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.WalletAddress,
		&token,
		&rec.Stablecoin,
		&usd,
		&fee,
		&fiat,
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
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if rec.TokenAmount, err = parseAmount(token); err != nil {
		return nil, err
	}
	if rec.USDAmount, err = parseAmount(usd); err != nil {
		return nil, err
	}
	if rec.FeeAmount, err = parseAmount(fee); err != nil {
		return nil, err
	}
	if rec.FiatAmount, err = parseAmount(fiat); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &rec.PayoutDetails); err != nil {
		return nil, fmt.Errorf("decode payout details: %w", err)
	}
	rec.PayoutMethod = domain.PayoutMethod(method)
	rec.Status = domain.OffRampStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func isPGUnique(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
	}
	return false
}

func pgNotFound(err error, format string, args ...any) error {
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
