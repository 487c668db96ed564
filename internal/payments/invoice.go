package payments

import (
	"fmt"
	"time"

	"cargopay/internal/common/money"
)

// InvoiceStatus is the billing subsystem's invoice lifecycle. This
// service only flips sent invoices to paid; it never creates, voids, or
// deletes invoices.
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceSent  InvoiceStatus = "sent"
	InvoicePaid  InvoiceStatus = "paid"
	InvoiceVoid  InvoiceStatus = "void"
)

// Invoice is a billable obligation owned by the billing subsystem. The
// payment core increments paid_amount, decrements balance_due, and
// flips status/paid_date, always as one atomic mutation.
type Invoice struct {
	ID              string         `json:"id"`
	CustomerID      string         `json:"customer_id"`
	Currency        money.Currency `json:"currency"`
	TotalMinor      int64          `json:"total_amount_minor"`
	PaidMinor       int64          `json:"paid_amount_minor"`
	BalanceDueMinor int64          `json:"balance_due_minor"`
	Status          InvoiceStatus  `json:"status"`
	PaidDate        *time.Time     `json:"paid_date,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CheckBalance verifies the ledger identity paid + due == total.
func (i *Invoice) CheckBalance() error {
	if i.PaidMinor+i.BalanceDueMinor != i.TotalMinor {
		return fmt.Errorf("invoice %s: paid %d + due %d != total %d",
			i.ID, i.PaidMinor, i.BalanceDueMinor, i.TotalMinor)
	}
	return nil
}

// IsPayable reports whether the invoice can accept a payment.
func (i *Invoice) IsPayable() bool {
	return i.Status != InvoiceVoid && i.BalanceDueMinor > 0
}

// ApplyPayment applies a completed payment amount in-memory: increment
// paid, decrement due, flip to paid when the balance is cleared. The
// Postgres store applies the same mutation as a single SQL statement.
func (i *Invoice) ApplyPayment(amountMinor int64, now time.Time) {
	i.PaidMinor += amountMinor
	i.BalanceDueMinor -= amountMinor
	if i.BalanceDueMinor <= 0 && i.Status != InvoicePaid {
		i.Status = InvoicePaid
		i.PaidDate = &now
	}
	i.UpdatedAt = now
}
