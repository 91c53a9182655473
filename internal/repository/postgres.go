package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hostpanel/internal/model"
)

const instanceColumns = `account_id, id, remote_id, name, plan, price::text, ram, disk, cpu, status, is_expired,
	created_at, expires_at, last_billing_date, next_billing_date, auto_renewal, suspended_at, auto_suspended`

// PostgresStore maps accounts onto relational tables; the instance row is
// the unit of conditional update.
type PostgresStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbPool: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.dbPool.Ping(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var (
		a       model.Account
		balance string
	)
	err := s.dbPool.QueryRow(ctx,
		`SELECT id, email, balance::text, currency FROM accounts WHERE id = $1`, accountID,
	).Scan(&a.ID, &a.Email, &balance, &a.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("%w: account %s balance: %v", ErrInvalidRecord, a.ID, err)
	}

	candidates, err := s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		a.Instances = append(a.Instances, c.Instance)
	}

	if a.Transactions, err = s.transactions(ctx, accountID); err != nil {
		return nil, err
	}
	if a.Invoices, err = s.invoices(ctx, accountID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) FindExpiryCandidates(ctx context.Context, accountID string, now time.Time) ([]model.Candidate, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE is_expired = false
		  AND (expires_at IS NULL OR expires_at <= $1)
		  AND ($2 = '' OR account_id = $2)
		ORDER BY account_id, id`, now, accountID)
}

func (s *PostgresStore) FindActiveRemote(ctx context.Context) ([]model.Candidate, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE is_expired = false AND status = 'active' AND remote_id IS NOT NULL AND remote_id <> ''
		ORDER BY account_id, id`)
}

func (s *PostgresStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.Candidate, error) {
	rows, err := s.dbPool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var (
			accountID string
			inst      model.Instance
			price     string
			status    string
		)
		if err := rows.Scan(&accountID, &inst.ID, &inst.RemoteID, &inst.Name, &inst.Plan, &price,
			&inst.Specs.RAM, &inst.Specs.Disk, &inst.Specs.CPU, &status, &inst.IsExpired,
			&inst.CreatedAt, &inst.ExpiresAt, &inst.LastBillingDate, &inst.NextBillingDate,
			&inst.AutoRenewal, &inst.SuspendedAt, &inst.AutoSuspended); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if inst.Price, err = decimal.NewFromString(price); err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Str("instance_id", inst.ID).Msg("Skipping instance with invalid price")
			continue
		}
		inst.Status = model.InstanceStatus(status)
		norm, err := normalizeInstance(inst)
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("Skipping invalid instance record")
			continue
		}
		out = append(out, model.Candidate{AccountID: accountID, Instance: norm})
	}
	return out, rows.Err()
}

func (s *PostgresStore) transactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT id::text, type, amount::text, currency, description, COALESCE(instance_id, ''), created_at
		FROM transactions WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			t      model.Transaction
			typ    string
			amount string
		)
		if err := rows.Scan(&t.ID, &typ, &amount, &t.Currency, &t.Description, &t.InstanceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%w: transaction %s: %v", ErrInvalidRecord, t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) invoices(ctx context.Context, accountID string) ([]model.Invoice, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT id::text, instance_id, amount::text, currency, months, period_start, period_end, status, created_at
		FROM invoices WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		var (
			inv    model.Invoice
			amount string
		)
		if err := rows.Scan(&inv.ID, &inv.InstanceID, &amount, &inv.Currency, &inv.Months,
			&inv.PeriodStart, &inv.PeriodEnd, &inv.Status, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		if inv.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%w: invoice %s: %v", ErrInvalidRecord, inv.ID, err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyExpiry(ctx context.Context, key model.InstanceKey, priorExpiresAt *time.Time, status model.InstanceStatus, at time.Time) (bool, error) {
	if err := expiryStatusValid(status); err != nil {
		return false, err
	}
	query := `UPDATE instances SET is_expired = true, status = $4
		WHERE account_id = $1 AND id = $2 AND is_expired = false AND expires_at IS NOT DISTINCT FROM $3`
	args := []any{key.AccountID, key.InstanceID, priorExpiresAt, string(status)}
	if status == model.StatusSuspended {
		query = `UPDATE instances SET is_expired = true, status = $4, suspended_at = $5, auto_suspended = true
			WHERE account_id = $1 AND id = $2 AND is_expired = false AND expires_at IS NOT DISTINCT FROM $3`
		args = append(args, at)
	}

	tag, err := s.dbPool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("apply expiry %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ApplyBilling(ctx context.Context, key model.InstanceKey, u model.BillingUpdate) error {
	tag, err := s.dbPool.Exec(ctx, `UPDATE instances SET
			expires_at = $4, last_billing_date = $5, next_billing_date = $6, status = $7, is_expired = $8,
			auto_renewal = $9, suspended_at = $10, auto_suspended = $11
		WHERE account_id = $1 AND id = $2 AND expires_at IS NOT DISTINCT FROM $3`,
		key.AccountID, key.InstanceID, u.PriorExpiresAt,
		u.ExpiresAt, u.LastBillingDate, u.NextBillingDate, string(u.Status), u.IsExpired,
		u.AutoRenewal, u.SuspendedAt, u.AutoSuspended,
	)
	if err != nil {
		return fmt.Errorf("apply billing %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.dbPool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM instances WHERE account_id = $1 AND id = $2)`,
		key.AccountID, key.InstanceID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("lookup instance %s: %w", key, err)
	}
	if !exists {
		return ErrInstanceNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, accountID string, entry model.Transaction, invoice *model.Invoice) (decimal.Decimal, error) {
	tx, err := s.dbPool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance string
	err = tx.QueryRow(ctx, `UPDATE accounts SET balance = balance + $2::numeric
		WHERE id = $1 AND ($3 = false OR balance + $2::numeric >= 0)
		RETURNING balance::text`,
		accountID, entry.Delta().String(), entry.Type == model.TransactionDebit,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); qErr != nil {
			return decimal.Zero, fmt.Errorf("lookup account: %w", qErr)
		}
		if !exists {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, account_id, type, amount, currency, description, instance_id, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''), $8)`,
		entry.ID, accountID, string(entry.Type), entry.Amount.String(), entry.Currency, entry.Description, entry.InstanceID, entry.CreatedAt,
	); err != nil {
		return decimal.Zero, fmt.Errorf("insert transaction: %w", err)
	}

	if invoice != nil {
		if _, err := tx.Exec(ctx, `INSERT INTO invoices (id, account_id, instance_id, amount, currency, months, period_start, period_end, status, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)`,
			invoice.ID, accountID, invoice.InstanceID, invoice.Amount.String(), invoice.Currency, invoice.Months,
			invoice.PeriodStart, invoice.PeriodEnd, invoice.Status, invoice.CreatedAt,
		); err != nil {
			return decimal.Zero, fmt.Errorf("insert invoice: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit balance change: %w", err)
	}
	return decimal.NewFromString(balance)
}

func (s *PostgresStore) RemoveInstance(ctx context.Context, key model.InstanceKey) error {
	tag, err := s.dbPool.Exec(ctx, `DELETE FROM instances WHERE account_id = $1 AND id = $2`, key.AccountID, key.InstanceID)
	if err != nil {
		return fmt.Errorf("remove instance %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceNotFound
	}
	return nil
}
