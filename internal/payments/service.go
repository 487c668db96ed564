package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cargopay/internal/common/database"
	"cargopay/internal/common/events"
	"cargopay/internal/common/middleware"
	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrUnknownGateway       = errors.New("unknown gateway")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrInvoiceNotPayable    = errors.New("invoice cannot accept payments")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentNotRefundable = errors.New("only completed payments can be refunded")
	ErrRefundExceedsPayment = errors.New("refund amount exceeds the refundable balance")
)

// ValidationError carries the full list of payer input violations.
type ValidationError struct {
	Fields []gateway.FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// EventPublisher is the notification-subsystem boundary. A nil
// publisher disables event delivery without affecting the ledger.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service orchestrates payment attempts: adapter selection, ledger
// ownership, the pay/confirm/reconcile lifecycle, and refunds.
type Service struct {
	store     Store
	registry  *gateway.Registry
	publisher EventPublisher
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the orchestrator. timeout bounds every outbound
// provider call; no ledger lock is ever held across one.
func NewService(store Store, registry *gateway.Registry, publisher EventPublisher, timeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessPaymentInput is the canonical create-payment request.
type ProcessPaymentInput struct {
	InvoiceID    string
	Gateway      string
	Method       string
	AmountMinor  int64 // zero means the invoice's open balance
	PhoneNumber  string
	CardToken    string
	Reference    string
	Email        string
	CustomerName string
	Description  string
	CreatedBy    string
}

// ProcessPayment runs one synchronous payment attempt. The returned
// payment is always persisted in a non-pending state, whatever the
// provider did: failures are recorded, never discarded.
func (s *Service) ProcessPayment(ctx context.Context, input ProcessPaymentInput) (*Payment, error) {
	invoice, err := s.store.GetInvoice(ctx, input.InvoiceID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("loading invoice: %w", err)
	}
	if !invoice.IsPayable() {
		return nil, ErrInvoiceNotPayable
	}

	gw, ok := s.registry.Get(input.Gateway)
	if !ok {
		return nil, ErrUnknownGateway
	}

	amountMinor := input.AmountMinor
	if amountMinor == 0 {
		amountMinor = invoice.BalanceDueMinor
	}
	req := &gateway.PaymentRequest{
		InvoiceID:    invoice.ID,
		CustomerID:   invoice.CustomerID,
		CustomerName: input.CustomerName,
		Email:        input.Email,
		Amount:       money.New(amountMinor, invoice.Currency),
		Method:       input.Method,
		PhoneNumber:  input.PhoneNumber,
		CardToken:    input.CardToken,
		Description:  input.Description,
		Reference:    input.Reference,
	}

	if fieldErrs := gw.Validate(req); len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	payment := NewPayment(invoice, gw.Name(), input.Method, req.Amount, input.CreatedBy, s.now())
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result := gw.Charge(callCtx, req)
	cancel()

	payment.MergeGatewayResponse(result.Raw)
	if result.Status == gateway.StatusFailed && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		result.FailureReason = fmt.Sprintf("gateway request timed out after %s", s.timeout)
	}

	if err := s.settleChargeResult(ctx, payment, result); err != nil {
		// The payment must land terminal even when persistence fails
		// mid-settlement.
		s.failPayment(ctx, payment, err.Error())
		return payment, err
	}
	return payment, nil
}

// settleChargeResult persists the adapter outcome and applies the
// invoice ledger mutation for completions.
func (s *Service) settleChargeResult(ctx context.Context, payment *Payment, result *gateway.ChargeResult) error {
	now := s.now()

	switch result.Status {
	case gateway.StatusCompleted:
		feeMinor := result.FeeMinor
		netMinor := result.NetMinor
		if netMinor == 0 {
			netMinor = payment.Amount.AmountMinor - feeMinor
		}
		payment.GatewayTransactionID = result.TransactionID
		payment.GatewayPaymentID = result.ProviderPaymentID
		payment.FeeMinor = feeMinor
		payment.NetMinor = netMinor

		applied, invoice, err := s.store.CompletePayment(ctx, payment, now)
		if err != nil {
			return fmt.Errorf("settling payment: %w", err)
		}
		if applied {
			s.publishPaymentEvent(ctx, events.EventPaymentCompleted, payment)
			if invoice != nil && invoice.Status == InvoicePaid {
				s.publishInvoicePaid(ctx, invoice, now)
			}
		}
		return nil

	case gateway.StatusProcessing:
		payment.GatewayTransactionID = result.TransactionID
		payment.GatewayPaymentID = result.ProviderPaymentID
		applied, err := s.store.MarkPaymentProcessing(ctx, payment, now)
		if err != nil {
			return fmt.Errorf("recording processing payment: %w", err)
		}
		if !applied {
			s.logger.Info("payment settled before processing mark",
				"payment_id", payment.ID, "gateway", payment.Gateway)
		}
		return nil

	default:
		reason := result.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		payment.GatewayTransactionID = result.TransactionID
		payment.GatewayPaymentID = result.ProviderPaymentID
		payment.FailureReason = reason
		applied, err := s.store.FailPayment(ctx, payment, now)
		if err != nil {
			return fmt.Errorf("recording failed payment: %w", err)
		}
		if applied {
			s.publishPaymentEvent(ctx, events.EventPaymentFailed, payment)
		}
		return nil
	}
}

// failPayment is the last-resort terminal write: a payment must never
// be left pending after ProcessPayment returns.
func (s *Service) failPayment(ctx context.Context, payment *Payment, reason string) {
	if payment.IsTerminal() {
		return
	}
	payment.FailureReason = reason
	if _, err := s.store.FailPayment(ctx, payment, s.now()); err != nil {
		s.logger.Error("failed to record payment failure",
			"payment_id", payment.ID, "reason", reason, "error", err)
	}
}

// IntentOptions carries the redirect-flow destinations and payer
// identity for CreateIntent.
type IntentOptions struct {
	ReturnURL    string
	CancelURL    string
	Description  string
	Email        string
	CustomerName string
}

// CreateIntent sets up a provider-side transaction for the invoice's
// open balance and returns where to send the payer. The ledger is not
// touched.
func (s *Service) CreateIntent(ctx context.Context, invoiceID, gatewayName string, opts IntentOptions) (*gateway.IntentResult, error) {
	invoice, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("loading invoice: %w", err)
	}
	if !invoice.IsPayable() {
		return nil, ErrInvoiceNotPayable
	}

	gw, ok := s.registry.Get(gatewayName)
	if !ok {
		return nil, ErrUnknownGateway
	}

	req := &gateway.PaymentRequest{
		InvoiceID:    invoice.ID,
		CustomerID:   invoice.CustomerID,
		CustomerName: opts.CustomerName,
		Email:        opts.Email,
		Amount:       money.New(invoice.BalanceDueMinor, invoice.Currency),
		Description:  opts.Description,
		ReturnURL:    opts.ReturnURL,
		CancelURL:    opts.CancelURL,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return gw.CreateIntent(callCtx, req)
}

// CalculateFees is advisory and must never block the caller: any
// adapter failure degrades to a zero-fee breakdown.
func (s *Service) CalculateFees(gatewayName string, amountMinor int64, currency money.Currency) *gateway.FeeBreakdown {
	gw, ok := s.registry.Get(gatewayName)
	if !ok {
		s.logger.Warn("fee calculation for unknown gateway", "gateway", gatewayName)
		return zeroFees(amountMinor, currency)
	}
	fees, err := gw.CalculateFees(amountMinor, currency)
	if err != nil {
		s.logger.Warn("fee calculation failed",
			"gateway", gatewayName, "currency", currency, "error", err)
		return zeroFees(amountMinor, currency)
	}
	return fees
}

func zeroFees(amountMinor int64, currency money.Currency) *gateway.FeeBreakdown {
	return &gateway.FeeBreakdown{
		FeeMinor: 0,
		NetMinor: amountMinor,
		Currency: currency,
	}
}

// ProcessRefund reverses part or all of a completed payment. The sum of
// refund amounts may never exceed the payment amount; violations are
// rejected before any provider call.
func (s *Service) ProcessRefund(ctx context.Context, paymentID string, amountMinor int64, reason string) (*Refund, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("loading payment: %w", err)
	}
	if payment.Status != PaymentCompleted {
		return nil, ErrPaymentNotRefundable
	}
	if amountMinor <= 0 {
		amountMinor = payment.Amount.AmountMinor
	}

	gw, ok := s.registry.Get(payment.Gateway)
	if !ok {
		return nil, ErrUnknownGateway
	}

	// Reserve the refund before touching the provider. The bound check
	// and the insert are one serialized store mutation per payment, so
	// concurrent refunds cannot both pass against the same prior total.
	refund := NewRefund(payment.ID, money.New(amountMinor, payment.Amount.Currency),
		reason, RefundPending, "", s.now())
	applied, err := s.store.ReserveRefund(ctx, refund)
	if err != nil {
		return nil, fmt.Errorf("reserving refund: %w", err)
	}
	if !applied {
		return nil, ErrRefundExceedsPayment
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, err := gw.Refund(callCtx, &gateway.RefundRequest{
		TransactionID:     payment.GatewayTransactionID,
		ProviderPaymentID: payment.GatewayPaymentID,
		Amount:            money.New(amountMinor, payment.Amount.Currency),
		Reason:            reason,
	})
	if err != nil {
		// Release the reservation so the refundable balance is not
		// consumed by an attempt the provider never accepted.
		if delErr := s.store.DeleteRefund(ctx, refund.ID); delErr != nil {
			s.logger.Error("failed to release refund reservation",
				"refund_id", refund.ID, "payment_id", payment.ID, "error", delErr)
		}
		return nil, fmt.Errorf("gateway refund: %w", err)
	}

	refund.GatewayRefundID = result.RefundID
	if result.Status == gateway.RefundCompleted {
		processedAt := s.now()
		refund.Status = RefundCompleted
		refund.ProcessedAt = &processedAt
	}
	if err := s.store.UpdateRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("recording refund: %w", err)
	}

	// A fully refunded payment flips its own status; partial refunds
	// leave it completed with the refund rows tracking the reduction.
	if refund.Status == RefundCompleted {
		completedMinor, err := s.store.CompletedRefundTotal(ctx, payment.ID)
		if err != nil {
			s.logger.Error("failed to sum completed refunds",
				"payment_id", payment.ID, "error", err)
		} else if completedMinor >= payment.Amount.AmountMinor {
			if _, err := s.store.MarkPaymentRefunded(ctx, payment, s.now()); err != nil {
				s.logger.Error("failed to mark payment refunded",
					"payment_id", payment.ID, "error", err)
			}
		}
	}

	s.publishPaymentEvent(ctx, events.EventPaymentRefunded, payment)
	return refund, nil
}

// ReconcileWebhook applies a verified, normalized provider event to the
// local ledger. Duplicate deliveries are a ledger no-op; the diagnostic
// payload still merges into gateway_response.
func (s *Service) ReconcileWebhook(ctx context.Context, gatewayName string, result *gateway.WebhookResult, payload map[string]any) error {
	payment, err := s.store.GetPaymentByGatewayReference(ctx, gatewayName, result.Reference)
	if err != nil {
		if database.IsNotFound(err) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("looking up payment: %w", err)
	}

	payment.MergeGatewayResponse(payload)
	now := s.now()

	switch result.Action {
	case gateway.ActionPaymentCompleted:
		if payment.FeeMinor == 0 {
			fees := s.CalculateFees(gatewayName, payment.Amount.AmountMinor, payment.Amount.Currency)
			payment.FeeMinor = fees.FeeMinor
			payment.NetMinor = fees.NetMinor
		}
		applied, invoice, err := s.store.CompletePayment(ctx, payment, now)
		if err != nil {
			return fmt.Errorf("settling webhook completion: %w", err)
		}
		if applied {
			s.publishPaymentEvent(ctx, events.EventPaymentCompleted, payment)
			if invoice != nil && invoice.Status == InvoicePaid {
				s.publishInvoicePaid(ctx, invoice, now)
			}
		} else {
			s.logger.Info("duplicate completion webhook ignored",
				"payment_id", payment.ID, "gateway", gatewayName)
		}
		return nil

	case gateway.ActionPaymentFailed:
		reason := result.EventType
		if reason == "" {
			reason = "gateway reported failure"
		}
		payment.FailureReason = reason
		// The guard lives in the store: a completion that lands between
		// this handler's read and its write wins, and only the merged
		// diagnostics persist.
		applied, err := s.store.FailPayment(ctx, payment, now)
		if err != nil {
			return fmt.Errorf("recording webhook failure: %w", err)
		}
		if !applied {
			s.logger.Info("late failure webhook ignored for settled payment",
				"payment_id", payment.ID, "gateway", gatewayName)
			return nil
		}
		s.publishPaymentEvent(ctx, events.EventPaymentFailed, payment)
		return nil

	default:
		return s.store.MergePaymentResponse(ctx, payment, now)
	}
}

// GetPayment returns a payment with its refunds.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, []*Refund, error) {
	payment, err := s.store.GetPayment(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil, ErrPaymentNotFound
		}
		return nil, nil, fmt.Errorf("loading payment: %w", err)
	}
	refunds, err := s.store.ListRefunds(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("listing refunds: %w", err)
	}
	return payment, refunds, nil
}

// Gateway resolves an adapter by name for the webhook ingress.
func (s *Service) Gateway(name string) (gateway.Gateway, bool) {
	return s.registry.Get(name)
}

// GatewayInfo is the metadata surfaced by the gateway listing endpoint.
type GatewayInfo struct {
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Configured  bool             `json:"configured"`
	Currencies  []money.Currency `json:"currencies"`
	Methods     []string         `json:"payment_methods"`
}

// Gateways lists the registered adapters and their capabilities.
func (s *Service) Gateways() []GatewayInfo {
	all := s.registry.All()
	infos := make([]GatewayInfo, 0, len(all))
	for _, gw := range all {
		infos = append(infos, GatewayInfo{
			Name:        gw.Name(),
			DisplayName: gw.DisplayName(),
			Configured:  gw.IsConfigured(),
			Currencies:  gw.SupportedCurrencies(),
			Methods:     gw.PaymentMethods(),
		})
	}
	return infos
}

func (s *Service) publishPaymentEvent(ctx context.Context, eventType string, payment *Payment) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "payment", payment.ID, events.PaymentStatusData{
		PaymentID:     payment.ID,
		InvoiceID:     payment.InvoiceID,
		Gateway:       payment.Gateway,
		AmountMinor:   payment.Amount.AmountMinor,
		Currency:      string(payment.Amount.Currency),
		Status:        string(payment.Status),
		FailureReason: payment.FailureReason,
		OccurredAt:    payment.UpdatedAt,
	})
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"type", eventType, "payment_id", payment.ID, "error", err)
	}
}

func (s *Service) publishInvoicePaid(ctx context.Context, invoice *Invoice, now time.Time) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventInvoicePaid, "invoice", invoice.ID, events.InvoicePaidData{
		InvoiceID:       invoice.ID,
		PaidAmountMinor: invoice.PaidMinor,
		Currency:        string(invoice.Currency),
		PaidAt:          now,
	})
	if err != nil {
		s.logger.Error("failed to build event", "type", events.EventInvoicePaid, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"type", events.EventInvoicePaid, "invoice_id", invoice.ID, "error", err)
	}
}
