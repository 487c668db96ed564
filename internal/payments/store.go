package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"cargopay/internal/common/database"
	"cargopay/internal/common/money"
)

// Store is the persistence boundary for the payment ledger.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// GetPaymentByGatewayReference matches on gateway_payment_id OR
	// gateway_transaction_id within one gateway's namespace.
	GetPaymentByGatewayReference(ctx context.Context, gatewayName, reference string) (*Payment, error)

	// Every status write below is conditional on the persisted status, so
	// a writer racing a settled payment observes applied=false instead of
	// overwriting a terminal state. The gateway_response merge persists
	// either way.
	MarkPaymentProcessing(ctx context.Context, p *Payment, now time.Time) (bool, error)
	// CompletePayment settles the payment and applies the invoice ledger
	// mutation in one transaction.
	CompletePayment(ctx context.Context, p *Payment, now time.Time) (bool, *Invoice, error)
	FailPayment(ctx context.Context, p *Payment, now time.Time) (bool, error)
	MarkPaymentRefunded(ctx context.Context, p *Payment, now time.Time) (bool, error)
	// MergePaymentResponse persists the diagnostic payload without
	// touching the payment status.
	MergePaymentResponse(ctx context.Context, p *Payment, now time.Time) error

	// ReserveRefund inserts the refund only when the payment's refund
	// total plus this amount stays within the payment amount. The check
	// and the insert are serialized per payment.
	ReserveRefund(ctx context.Context, r *Refund) (bool, error)
	UpdateRefund(ctx context.Context, r *Refund) error
	DeleteRefund(ctx context.Context, id string) error
	ListRefunds(ctx context.Context, paymentID string) ([]*Refund, error)
	// CompletedRefundTotal sums the completed refund amounts for a payment.
	CompletedRefundTotal(ctx context.Context, paymentID string) (int64, error)
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *database.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const invoiceColumns = `id, customer_id, currency, total_amount_minor, paid_amount_minor,
	balance_due_minor, status, paid_date, created_at, updated_at`

// CreateInvoice inserts an invoice. The billing subsystem owns invoice
// creation in production; this path serves seeding and tests.
func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.CustomerID, inv.Currency, inv.TotalMinor, inv.PaidMinor,
		inv.BalanceDueMinor, inv.Status, inv.PaidDate, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var paidDate sql.NullTime
	err := row.Scan(
		&inv.ID, &inv.CustomerID, &inv.Currency, &inv.TotalMinor, &inv.PaidMinor,
		&inv.BalanceDueMinor, &inv.Status, &paidDate, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}
	if paidDate.Valid {
		inv.PaidDate = &paidDate.Time
	}
	return &inv, nil
}

const paymentColumns = `id, invoice_id, customer_id, status, type, method, gateway,
	amount_minor, currency, fee_amount_minor, net_amount_minor,
	gateway_transaction_id, gateway_payment_id, gateway_response, failure_reason,
	payment_date, completed_at, failed_at, created_by, created_at, updated_at`

func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	response, err := marshalResponse(p.GatewayResponse)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		p.ID, p.InvoiceID, p.CustomerID, p.Status, p.Type, p.Method, p.Gateway,
		p.Amount.AmountMinor, p.Amount.Currency, p.FeeMinor, p.NetMinor,
		nullableString(p.GatewayTransactionID), nullableString(p.GatewayPaymentID),
		response, nullableString(p.FailureReason),
		p.PaymentDate, p.CompletedAt, p.FailedAt, nullableString(p.CreatedBy),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *PostgresStore) GetPaymentByGatewayReference(ctx context.Context, gatewayName, reference string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE gateway = $1 AND (gateway_payment_id = $2 OR gateway_transaction_id = $2)
		ORDER BY created_at DESC
		LIMIT 1`,
		gatewayName, reference,
	)
	return scanPayment(row)
}

// MarkPaymentProcessing records the provider's asynchronous
// acknowledgement. Only a pending payment moves; a webhook that settled
// the payment first wins, and the diagnostics still merge.
func (s *PostgresStore) MarkPaymentProcessing(ctx context.Context, p *Payment, now time.Time) (bool, error) {
	response, err := marshalResponse(p.GatewayResponse)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE payments SET
			status = 'processing',
			gateway_transaction_id = COALESCE($2, gateway_transaction_id),
			gateway_payment_id = COALESCE($3, gateway_payment_id),
			gateway_response = $4, updated_at = $5
		WHERE id = $1 AND status = 'pending'`,
		p.ID, nullableString(p.GatewayTransactionID), nullableString(p.GatewayPaymentID),
		response, now,
	)
	if err != nil {
		return false, fmt.Errorf("marking payment processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.mergeResponse(ctx, p.ID, response, now)
	}
	p.Status = PaymentProcessing
	p.UpdatedAt = now
	return true, nil
}

// FailPayment is the guarded terminal failure write. A payment that
// already settled keeps its state; only the diagnostic payload merges.
func (s *PostgresStore) FailPayment(ctx context.Context, p *Payment, now time.Time) (bool, error) {
	response, err := marshalResponse(p.GatewayResponse)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE payments SET
			status = 'failed',
			gateway_transaction_id = COALESCE($2, gateway_transaction_id),
			gateway_payment_id = COALESCE($3, gateway_payment_id),
			gateway_response = $4, failure_reason = $5,
			failed_at = $6, updated_at = $6
		WHERE id = $1 AND status NOT IN ('completed', 'refunded')`,
		p.ID, nullableString(p.GatewayTransactionID), nullableString(p.GatewayPaymentID),
		response, nullableString(p.FailureReason), now,
	)
	if err != nil {
		return false, fmt.Errorf("failing payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.mergeResponse(ctx, p.ID, response, now)
	}
	p.Status = PaymentFailed
	p.FailedAt = &now
	p.UpdatedAt = now
	return true, nil
}

// MarkPaymentRefunded flips a completed payment whose refunds consumed
// the full amount.
func (s *PostgresStore) MarkPaymentRefunded(ctx context.Context, p *Payment, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payments SET status = 'refunded', updated_at = $2
		WHERE id = $1 AND status = 'completed'`,
		p.ID, now,
	)
	if err != nil {
		return false, fmt.Errorf("marking payment refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	p.Status = PaymentRefunded
	p.UpdatedAt = now
	return true, nil
}

// MergePaymentResponse persists the merged diagnostic payload for
// events that drive no state transition.
func (s *PostgresStore) MergePaymentResponse(ctx context.Context, p *Payment, now time.Time) error {
	response, err := marshalResponse(p.GatewayResponse)
	if err != nil {
		return err
	}
	return s.mergeResponse(ctx, p.ID, response, now)
}

func (s *PostgresStore) mergeResponse(ctx context.Context, id string, response []byte, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payments SET gateway_response = $2, updated_at = $3 WHERE id = $1`,
		id, response, now,
	)
	if err != nil {
		return fmt.Errorf("merging gateway response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CompletePayment is the race-safe settlement path. The payment update
// is conditional on not being completed yet; only a winning writer
// applies the invoice increment. The invoice mutation is a single
// statement so two partial payments against one invoice can never lose
// an increment to a read-modify-write race.
func (s *PostgresStore) CompletePayment(ctx context.Context, p *Payment, now time.Time) (bool, *Invoice, error) {
	response, err := marshalResponse(p.GatewayResponse)
	if err != nil {
		return false, nil, err
	}

	var applied bool
	var inv *Invoice
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payments SET
				status = 'completed',
				gateway_transaction_id = COALESCE($2, gateway_transaction_id),
				gateway_payment_id = COALESCE($3, gateway_payment_id),
				fee_amount_minor = $4, net_amount_minor = $5,
				gateway_response = $6, completed_at = $7, updated_at = $7
			WHERE id = $1 AND status NOT IN ('completed', 'refunded')`,
			p.ID, nullableString(p.GatewayTransactionID), nullableString(p.GatewayPaymentID),
			p.FeeMinor, p.NetMinor, response, now,
		)
		if err != nil {
			return fmt.Errorf("completing payment: %w", err)
		}
		applied = tag.RowsAffected() == 1

		if !applied {
			// Duplicate delivery: the ledger is a no-op but the merged
			// diagnostic payload still persists.
			if _, err := tx.Exec(ctx,
				`UPDATE payments SET gateway_response = $2, updated_at = $3 WHERE id = $1`,
				p.ID, response, now,
			); err != nil {
				return fmt.Errorf("merging gateway response: %w", err)
			}
			var scanErr error
			inv, scanErr = scanInvoice(tx.QueryRow(ctx,
				`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, p.InvoiceID))
			return scanErr
		}

		row := tx.QueryRow(ctx, `
			UPDATE invoices SET
				paid_amount_minor = paid_amount_minor + $2,
				balance_due_minor = balance_due_minor - $2,
				status = CASE WHEN balance_due_minor - $2 <= 0 THEN 'paid' ELSE status END,
				paid_date = CASE WHEN balance_due_minor - $2 <= 0 AND paid_date IS NULL
					THEN $3 ELSE paid_date END,
				updated_at = $3
			WHERE id = $1
			RETURNING `+invoiceColumns,
			p.InvoiceID, p.Amount.AmountMinor, now,
		)
		var scanErr error
		inv, scanErr = scanInvoice(row)
		return scanErr
	})
	if err != nil {
		return false, nil, err
	}

	if applied {
		p.Status = PaymentCompleted
		p.CompletedAt = &now
		p.UpdatedAt = now
	}
	return applied, inv, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amountMinor int64
	var currency money.Currency
	var txID, payID, failureReason, createdBy sql.NullString
	var completedAt, failedAt sql.NullTime
	var response []byte

	err := row.Scan(
		&p.ID, &p.InvoiceID, &p.CustomerID, &p.Status, &p.Type, &p.Method, &p.Gateway,
		&amountMinor, &currency, &p.FeeMinor, &p.NetMinor,
		&txID, &payID, &response, &failureReason,
		&p.PaymentDate, &completedAt, &failedAt, &createdBy,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	p.Amount = money.New(amountMinor, currency)
	p.GatewayTransactionID = txID.String
	p.GatewayPaymentID = payID.String
	p.FailureReason = failureReason.String
	p.CreatedBy = createdBy.String
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		p.FailedAt = &failedAt.Time
	}
	if len(response) > 0 {
		if err := json.Unmarshal(response, &p.GatewayResponse); err != nil {
			return nil, fmt.Errorf("decoding gateway response: %w", err)
		}
	}
	return &p, nil
}

const refundColumns = `id, payment_id, amount_minor, currency, reason, status,
	gateway_refund_id, created_at, processed_at`

// ReserveRefund checks the refund bound and inserts the row in one
// transaction. The payment row lock serializes concurrent reservations,
// so two refunds can never both pass the check against the same prior
// total. Pending reservations count against the bound.
func (s *PostgresStore) ReserveRefund(ctx context.Context, r *Refund) (bool, error) {
	var applied bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var paymentMinor int64
		err := tx.QueryRow(ctx,
			`SELECT amount_minor FROM payments WHERE id = $1 FOR UPDATE`,
			r.PaymentID,
		).Scan(&paymentMinor)
		if err != nil {
			if database.IsNotFound(err) {
				return database.ErrNotFound
			}
			return fmt.Errorf("locking payment: %w", err)
		}

		var reservedMinor int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE payment_id = $1`,
			r.PaymentID,
		).Scan(&reservedMinor); err != nil {
			return fmt.Errorf("summing refunds: %w", err)
		}
		if reservedMinor+r.Amount.AmountMinor > paymentMinor {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO refunds (`+refundColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.PaymentID, r.Amount.AmountMinor, r.Amount.Currency,
			nullableString(r.Reason), r.Status, nullableString(r.GatewayRefundID),
			r.CreatedAt, r.ProcessedAt,
		); err != nil {
			return fmt.Errorf("inserting refund: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *PostgresStore) UpdateRefund(ctx context.Context, r *Refund) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE refunds SET status = $2, gateway_refund_id = $3, processed_at = $4
		WHERE id = $1`,
		r.ID, r.Status, nullableString(r.GatewayRefundID), r.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("updating refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRefund(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM refunds WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting refund: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRefunds(ctx context.Context, paymentID string) ([]*Refund, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE payment_id = $1
		ORDER BY created_at`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*Refund
	for rows.Next() {
		var r Refund
		var amountMinor int64
		var currency money.Currency
		var reason, refundID sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.PaymentID, &amountMinor, &currency, &reason, &r.Status,
			&refundID, &r.CreatedAt, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning refund: %w", err)
		}
		r.Amount = money.New(amountMinor, currency)
		r.Reason = reason.String
		r.GatewayRefundID = refundID.String
		if processedAt.Valid {
			r.ProcessedAt = &processedAt.Time
		}
		refunds = append(refunds, &r)
	}
	return refunds, rows.Err()
}

func (s *PostgresStore) CompletedRefundTotal(ctx context.Context, paymentID string) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0) FROM refunds
		WHERE payment_id = $1 AND status = 'completed'`,
		paymentID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing refunds: %w", err)
	}
	return total, nil
}

func marshalResponse(response map[string]any) ([]byte, error) {
	if response == nil {
		return nil, nil
	}
	data, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encoding gateway response: %w", err)
	}
	return data, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
