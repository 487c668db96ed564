// Package gateway defines the uniform contract implemented by each
// payment provider adapter, together with the canonical status
// vocabulary the rest of the service speaks.
package gateway

import (
	"context"
	"strings"

	"cargopay/internal/common/money"
)

// Status is the canonical payment status vocabulary, distinct from each
// provider's native status strings.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// Webhook actions returned by HandleWebhook.
const (
	ActionPaymentCompleted = "payment_completed"
	ActionPaymentFailed    = "payment_failed"
	ActionIgnored          = "ignored"
)

// Refund statuses. Some providers complete refunds synchronously, others
// only acknowledge and settle later; the distinction is preserved.
const (
	RefundCompleted = "completed"
	RefundPending   = "pending"
)

// PaymentRequest is the canonical request passed to an adapter.
type PaymentRequest struct {
	InvoiceID    string
	CustomerID   string
	CustomerName string
	Email        string
	Amount       money.Money
	Method       string
	PhoneNumber  string
	CardToken    string
	Description  string
	Reference    string
	ReturnURL    string
	CancelURL    string
}

// FieldError is a single validation violation. Validate returns all
// violations so callers can render the full list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FeeBreakdown is the result of a fee calculation.
type FeeBreakdown struct {
	FeeMinor       int64          `json:"fee_amount_minor"`
	NetMinor       int64          `json:"net_amount_minor"`
	FeeBasisPoints int64          `json:"fee_basis_points"`
	FixedFeeMinor  int64          `json:"fixed_fee_minor"`
	Currency       money.Currency `json:"currency"`
}

// IntentResult is returned by CreateIntent for redirect/async flows.
// No money moves; the provider-side transaction is set up and the payer
// is sent to RedirectURL.
type IntentResult struct {
	Reference   string         `json:"reference"`
	RedirectURL string         `json:"redirect_url"`
	Amount      money.Money    `json:"amount"`
	Raw         map[string]any `json:"-"`
}

// ChargeResult is returned by Charge for synchronous flows. Failures are
// carried in the result, never as an error across this boundary, so the
// orchestrator can persist them deterministically.
type ChargeResult struct {
	Status            Status
	TransactionID     string
	ProviderPaymentID string
	FeeMinor          int64
	NetMinor          int64
	FailureReason     string
	Raw               map[string]any
}

// WebhookResult is the normalized outcome of a provider webhook event.
type WebhookResult struct {
	Action    string
	Status    Status
	Reference string
	EventType string
}

// RefundRequest identifies the provider-side transaction to reverse.
type RefundRequest struct {
	TransactionID     string
	ProviderPaymentID string
	Amount            money.Money
	Reason            string
}

// RefundResult carries the provider's refund outcome.
type RefundResult struct {
	Status   string
	RefundID string
	Raw      map[string]any
}

// Gateway is the uniform contract over a third-party payment provider.
// IsConfigured must be checked before any method that performs network I/O.
type Gateway interface {
	Name() string
	DisplayName() string
	IsConfigured() bool
	SupportedCurrencies() []money.Currency
	PaymentMethods() []string

	Validate(req *PaymentRequest) []FieldError
	CalculateFees(amountMinor int64, currency money.Currency) (*FeeBreakdown, error)
	CreateIntent(ctx context.Context, req *PaymentRequest) (*IntentResult, error)
	Charge(ctx context.Context, req *PaymentRequest) *ChargeResult
	HandleWebhook(ctx context.Context, payload map[string]any) *WebhookResult
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}

// SignatureVerifier is implemented by adapters whose provider signs
// webhook deliveries. The ingress rejects mismatches with 401.
type SignatureVerifier interface {
	VerifySignature(body []byte, signature string) error
}

// statusTable maps upper-cased provider status families to canonical
// statuses. Lookups are case-insensitive; anything unmapped is unknown
// and must not drive a state transition.
var statusTable = map[string]Status{
	"SUCCESS":    StatusCompleted,
	"SUCCEEDED":  StatusCompleted,
	"COMPLETED":  StatusCompleted,
	"SETTLED":    StatusCompleted,
	"FAILED":     StatusFailed,
	"CANCELLED":  StatusFailed,
	"CANCELED":   StatusFailed,
	"DECLINED":   StatusFailed,
	"DENIED":     StatusFailed,
	"PROCESSING": StatusProcessing,
	"PENDING":    StatusProcessing,
}

// MapStatus maps a provider status string to the canonical vocabulary.
func MapStatus(provider string) Status {
	if s, ok := statusTable[strings.ToUpper(strings.TrimSpace(provider))]; ok {
		return s
	}
	return StatusUnknown
}

// SupportsCurrency reports whether c is in the adapter's supported set.
func SupportsCurrency(g Gateway, c money.Currency) bool {
	for _, sc := range g.SupportedCurrencies() {
		if sc == c {
			return true
		}
	}
	return false
}
