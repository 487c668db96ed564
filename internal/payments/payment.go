// Package payments owns the Payment/Invoice/Refund ledger and the
// orchestration of payment attempts across the gateway adapters.
package payments

import (
	"time"

	"github.com/oklog/ulid/v2"

	"cargopay/internal/common/money"
)

// PaymentStatus is the persisted payment lifecycle vocabulary.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// PaymentType distinguishes a payment that covers the invoice's open
// balance from a partial one.
type PaymentType string

const (
	PaymentTypeFull    PaymentType = "full"
	PaymentTypePartial PaymentType = "partial"
)

// Payment is one attempted transfer of funds against exactly one
// invoice. A payment reaches a terminal state exactly once; it never
// leaves a terminal state except through refund accumulation.
type Payment struct {
	ID                   string         `json:"id"`
	InvoiceID            string         `json:"invoice_id"`
	CustomerID           string         `json:"customer_id"`
	Status               PaymentStatus  `json:"status"`
	Type                 PaymentType    `json:"type"`
	Method               string         `json:"method"`
	Gateway              string         `json:"gateway"`
	Amount               money.Money    `json:"amount"`
	FeeMinor             int64          `json:"fee_amount_minor"`
	NetMinor             int64          `json:"net_amount_minor"`
	GatewayTransactionID string         `json:"gateway_transaction_id,omitempty"`
	GatewayPaymentID     string         `json:"gateway_payment_id,omitempty"`
	GatewayResponse      map[string]any `json:"gateway_response,omitempty"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	PaymentDate          time.Time      `json:"payment_date"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	FailedAt             *time.Time     `json:"failed_at,omitempty"`
	CreatedBy            string         `json:"created_by,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// NewPayment creates a pending payment against an invoice. The type is
// full when the amount covers the invoice's open balance.
func NewPayment(invoice *Invoice, gatewayName, method string, amount money.Money, createdBy string, now time.Time) *Payment {
	paymentType := PaymentTypePartial
	if amount.AmountMinor >= invoice.BalanceDueMinor {
		paymentType = PaymentTypeFull
	}
	return &Payment{
		ID:          ulid.Make().String(),
		InvoiceID:   invoice.ID,
		CustomerID:  invoice.CustomerID,
		Status:      PaymentPending,
		Type:        paymentType,
		Method:      method,
		Gateway:     gatewayName,
		Amount:      amount,
		PaymentDate: now,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the payment has reached a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentFailed || p.Status == PaymentRefunded
}

// MergeGatewayResponse accumulates provider payload data. Prior keys
// are kept; colliding keys take the newer value. The provider payload
// is never replaced wholesale, so diagnostic history survives retries.
func (p *Payment) MergeGatewayResponse(src map[string]any) {
	if len(src) == 0 {
		return
	}
	if p.GatewayResponse == nil {
		p.GatewayResponse = make(map[string]any, len(src))
	}
	for k, v := range src {
		p.GatewayResponse[k] = v
	}
}

// RefundStatus mirrors the provider's refund handling: synchronous
// providers complete immediately, others acknowledge and settle later.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

// Refund is a partial or full reversal of a completed payment.
type Refund struct {
	ID              string       `json:"id"`
	PaymentID       string       `json:"payment_id"`
	Amount          money.Money  `json:"amount"`
	Reason          string       `json:"reason,omitempty"`
	Status          RefundStatus `json:"status"`
	GatewayRefundID string       `json:"gateway_refund_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
}

// NewRefund creates a refund row with the status the adapter reported.
func NewRefund(paymentID string, amount money.Money, reason string, status RefundStatus, gatewayRefundID string, now time.Time) *Refund {
	r := &Refund{
		ID:              ulid.Make().String(),
		PaymentID:       paymentID,
		Amount:          amount,
		Reason:          reason,
		Status:          status,
		GatewayRefundID: gatewayRefundID,
		CreatedAt:       now,
	}
	if status == RefundCompleted {
		r.ProcessedAt = &now
	}
	return r
}
