package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	domain "github.com/Zhima-Mochi/payflow/internal/domain/payment"
)

const timeLayout = time.RFC3339Nano

// Store is the SQL-backed payment.Store. It takes an opened *sql.DB so tests
// can substitute an in-memory database.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) CreatePaymentWithTransaction(ctx context.Context, p *domain.Payment, in domain.NewTransactionInput) (*domain.Payment, *domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().Format(timeLayout)

	// Idempotent on the payment external key: the UNIQUE constraint makes
	// the second inserter a no-op and both converge on the same row.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO payments
		 (id, external_key, account_id, payment_method_id, state_name, last_success_state_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', '', ?, ?)`,
		p.ID, p.ExternalKey, p.AccountID, p.PaymentMethodID, now, now,
	); err != nil {
		return nil, nil, err
	}

	var paymentID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM payments WHERE external_key = ?`, p.ExternalKey,
	).Scan(&paymentID); err != nil {
		return nil, nil, err
	}

	// Reuse this cycle's placeholder row if it exists.
	var txnID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM payment_transactions
		 WHERE external_key = ? AND status = ?
		 ORDER BY rowid DESC LIMIT 1`,
		in.ExternalKey, string(domain.StatusUnknown),
	).Scan(&txnID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM payment_transactions WHERE payment_id = ?`, paymentID,
		).Scan(&count); err != nil {
			return nil, nil, err
		}
		txnID = newTransactionID(paymentID, count+1)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payment_transactions
			 (id, payment_id, external_key, transaction_type, status, amount, currency, effective_date, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txnID, paymentID, in.ExternalKey, string(in.Type), string(domain.StatusUnknown),
			in.Amount, in.Currency, in.EffectiveDate.UTC().Format(timeLayout), now, now,
		); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	created, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	return created, created.TransactionByExternalKey(in.ExternalKey), nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *domain.Attempt) (*domain.Attempt, error) {
	latest, err := s.GetLatestAttemptByTransactionExternalKey(ctx, a.TransactionExternalKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// In-flight duplicate: newest row untouched in the requested state.
	if latest != nil && latest.StateName == a.StateName && latest.UpdatedAt.Equal(latest.CreatedAt) {
		return latest, nil
	}

	now := s.clock()
	created := now.Format(timeLayout)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_attempts
		 (id, payment_external_key, transaction_external_key, account_id, payment_method_id,
		  transaction_type, state_name, amount, currency, plugin_name, plugin_properties, control_plugins, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PaymentExternalKey, a.TransactionExternalKey, a.AccountID, a.PaymentMethodID,
		string(a.TransactionType), a.StateName, a.Amount, a.Currency, a.PluginName, a.PluginProperties,
		strings.Join(a.ControlPlugins, ","), created, created,
	); err != nil {
		return nil, err
	}
	return s.GetAttempt(ctx, a.ID)
}

func (s *Store) UpdateTransaction(ctx context.Context, transactionID string, upd domain.TransactionUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions
		 SET status = ?, processed_amount = ?, processed_currency = ?,
		     gateway_error_code = ?, gateway_error_msg = ?, updated_at = ?
		 WHERE id = ?`,
		string(upd.Status), upd.ProcessedAmount, upd.ProcessedCurrency,
		upd.GatewayErrorCode, upd.GatewayErrorMsg, s.clock().Format(timeLayout),
		transactionID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdateAttemptState(ctx context.Context, attemptID string, stateName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET state_name = ?, updated_at = ? WHERE id = ?`,
		stateName, s.clock().Format(timeLayout), attemptID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdatePaymentState(ctx context.Context, paymentID string, stateName string, lastSuccess bool) error {
	var (
		res sql.Result
		err error
	)
	now := s.clock().Format(timeLayout)
	if lastSuccess {
		res, err = s.db.ExecContext(ctx,
			`UPDATE payments SET state_name = ?, last_success_state_name = ?, updated_at = ? WHERE id = ?`,
			stateName, stateName, now, paymentID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE payments SET state_name = ?, updated_at = ? WHERE id = ?`,
			stateName, now, paymentID,
		)
	}
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.getPayment(ctx, `WHERE id = ?`, paymentID)
}

func (s *Store) GetPaymentByExternalKey(ctx context.Context, externalKey string) (*domain.Payment, error) {
	return s.getPayment(ctx, `WHERE external_key = ?`, externalKey)
}

func (s *Store) getPayment(ctx context.Context, where string, arg any) (*domain.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, external_key, account_id, payment_method_id, state_name, last_success_state_name, created_at, updated_at
		 FROM payments `+where, arg,
	)
	var (
		p                  domain.Payment
		createdAt, updated string
	)
	if err := row.Scan(&p.ID, &p.ExternalKey, &p.AccountID, &p.PaymentMethodID,
		&p.StateName, &p.LastSuccessStateName, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payment_id, external_key, transaction_type, status, amount, currency,
		        processed_amount, processed_currency, gateway_error_code, gateway_error_msg,
		        effective_date, created_at, updated_at
		 FROM payment_transactions WHERE payment_id = ? ORDER BY rowid`, p.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                         domain.Transaction
			typ, status               string
			effective, tCreated, tUpd string
		)
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.ExternalKey, &typ, &status, &t.Amount, &t.Currency,
			&t.ProcessedAmount, &t.ProcessedCurrency, &t.GatewayErrorCode, &t.GatewayErrorMsg,
			&effective, &tCreated, &tUpd); err != nil {
			return nil, err
		}
		t.Type = domain.TransactionType(typ)
		t.Status = domain.TransactionStatus(status)
		t.EffectiveDate = parseTime(effective)
		t.CreatedAt = parseTime(tCreated)
		t.UpdatedAt = parseTime(tUpd)
		p.Transactions = append(p.Transactions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error) {
	return s.getAttempt(ctx, `WHERE id = ?`, attemptID)
}

func (s *Store) GetLatestAttemptByTransactionExternalKey(ctx context.Context, key string) (*domain.Attempt, error) {
	return s.getAttempt(ctx, `WHERE transaction_external_key = ? ORDER BY rowid DESC LIMIT 1`, key)
}

func (s *Store) GetAttemptsByTransactionExternalKey(ctx context.Context, key string) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelect+` WHERE transaction_external_key = ? ORDER BY rowid`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const attemptSelect = `SELECT id, payment_external_key, transaction_external_key, account_id, payment_method_id,
       transaction_type, state_name, amount, currency, plugin_name, plugin_properties, control_plugins, created_at, updated_at
  FROM payment_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) getAttempt(ctx context.Context, where string, arg any) (*domain.Attempt, error) {
	row := s.db.QueryRowContext(ctx, attemptSelect+" "+where, arg)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

func scanAttempt(row rowScanner) (*domain.Attempt, error) {
	var (
		a                    domain.Attempt
		typ, plugins         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.PaymentExternalKey, &a.TransactionExternalKey, &a.AccountID, &a.PaymentMethodID,
		&typ, &a.StateName, &a.Amount, &a.Currency, &a.PluginName, &a.PluginProperties, &plugins, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.TransactionType = domain.TransactionType(typ)
	if plugins != "" {
		a.ControlPlugins = strings.Split(plugins, ",")
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func newTransactionID(paymentID string, ordinal int) string {
	return paymentID + "-tx-" + strconv.Itoa(ordinal)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
