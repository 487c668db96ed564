// Package stripe implements the Stripe card adapter. Direct charges run
// synchronously through payment intents; hosted checkout sessions cover
// the redirect flow. Webhook deliveries are authenticated with the
// signed-header scheme (timestamp plus HMAC over the raw body).
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
)

// Name is the registry key for this adapter.
const Name = "stripe"

const displayName = "Stripe"

// signatureTolerance bounds webhook timestamp skew. Older deliveries
// are rejected to blunt replay.
const signatureTolerance = 5 * time.Minute

// Card processing fees in basis points plus a fixed component.
const (
	feeDomesticBps      = 290
	feeInternationalBps = 390
	feeFixedMinor       = 30
)

// Config holds Stripe credentials and endpoints.
type Config struct {
	SecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	BaseURL       string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	Timeout       time.Duration `envconfig:"STRIPE_TIMEOUT" default:"30s"`
}

// Adapter is the Stripe gateway implementation.
type Adapter struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewAdapter creates a Stripe adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) DisplayName() string { return displayName }

func (a *Adapter) IsConfigured() bool {
	return a.config.SecretKey != ""
}

func (a *Adapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.USD, money.EUR, money.GBP}
}

func (a *Adapter) PaymentMethods() []string {
	return []string{"card"}
}

// Validate collects every violation rather than stopping at the first.
// A card token is only required for the direct charge flow; checkout
// sessions collect the card on the hosted page.
func (a *Adapter) Validate(req *gateway.PaymentRequest) []gateway.FieldError {
	var errs []gateway.FieldError
	if !req.Amount.IsPositive() {
		errs = append(errs, gateway.FieldError{Field: "amount", Message: "amount must be positive"})
	}
	if !gateway.SupportsCurrency(a, req.Amount.Currency) {
		errs = append(errs, gateway.FieldError{Field: "currency", Message: fmt.Sprintf("currency %s not supported by %s", req.Amount.Currency, displayName)})
	}
	if req.CardToken == "" && req.ReturnURL == "" {
		errs = append(errs, gateway.FieldError{Field: "card_token", Message: "card token is required for direct charges"})
	}
	return errs
}

// CalculateFees applies the flat card schedule: a percentage plus a
// fixed per-transaction fee, with a higher rate outside USD.
func (a *Adapter) CalculateFees(amountMinor int64, currency money.Currency) (*gateway.FeeBreakdown, error) {
	if !money.IsSupported(currency) {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}

	bps := int64(feeDomesticBps)
	if currency != money.USD {
		bps = feeInternationalBps
	}

	fee := money.New(amountMinor, currency).Percentage(bps).AmountMinor + feeFixedMinor
	return &gateway.FeeBreakdown{
		FeeMinor:       fee,
		NetMinor:       amountMinor - fee,
		FeeBasisPoints: bps,
		FixedFeeMinor:  feeFixedMinor,
		Currency:       currency,
	}, nil
}

// CreateIntent opens a hosted checkout session and returns the redirect
// URL. No money moves until the payer completes the page.
func (a *Adapter) CreateIntent(ctx context.Context, req *gateway.PaymentRequest) (*gateway.IntentResult, error) {
	if !a.IsConfigured() {
		return nil, gateway.NewConfigError(Name, "secret key missing")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.ReturnURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", req.InvoiceID)
	if req.Email != "" {
		form.Set("customer_email", req.Email)
	}
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(string(req.Amount.Currency)))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", productName(req))
	form.Set("metadata[invoice_id]", req.InvoiceID)

	raw, err := a.post(ctx, "/v1/checkout/sessions", form)
	if err != nil {
		return nil, err
	}

	return &gateway.IntentResult{
		Reference:   stringField(raw, "id"),
		RedirectURL: stringField(raw, "url"),
		Amount:      req.Amount,
		Raw:         raw,
	}, nil
}

// Charge confirms a payment intent synchronously against the supplied
// card token. Failures are carried in the result, not returned as
// errors, so the caller can persist them deterministically.
func (a *Adapter) Charge(ctx context.Context, req *gateway.PaymentRequest) *gateway.ChargeResult {
	if !a.IsConfigured() {
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: "gateway not configured",
		}
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("currency", strings.ToLower(string(req.Amount.Currency)))
	form.Set("payment_method", req.CardToken)
	form.Set("confirm", "true")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	form.Set("metadata[invoice_id]", req.InvoiceID)

	raw, err := a.post(ctx, "/v1/payment_intents", form)
	if err != nil {
		a.logger.Error("card charge failed", "gateway", Name, "invoice_id", req.InvoiceID, "error", err)
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: err.Error(),
			Raw:           raw,
		}
	}

	providerStatus := stringField(raw, "status")
	status := gateway.MapStatus(providerStatus)
	result := &gateway.ChargeResult{
		Status:            status,
		TransactionID:     stringField(raw, "latest_charge"),
		ProviderPaymentID: stringField(raw, "id"),
		Raw:               raw,
	}

	switch status {
	case gateway.StatusCompleted:
		if fees, ferr := a.CalculateFees(req.Amount.AmountMinor, req.Amount.Currency); ferr == nil {
			result.FeeMinor = fees.FeeMinor
			result.NetMinor = fees.NetMinor
		}
	case gateway.StatusFailed:
		result.FailureReason = failureMessage(raw, providerStatus)
	case gateway.StatusUnknown:
		// Stripe reports declines as requires_payment_method.
		result.Status = gateway.StatusFailed
		result.FailureReason = failureMessage(raw, providerStatus)
	}
	return result
}

// HandleWebhook normalizes a provider event. Only the terminal payment
// events drive transitions; everything else is acknowledged and ignored.
func (a *Adapter) HandleWebhook(ctx context.Context, payload map[string]any) *gateway.WebhookResult {
	eventType := stringField(payload, "type")
	object := eventObject(payload)

	result := &gateway.WebhookResult{EventType: eventType}

	switch eventType {
	case "payment_intent.succeeded":
		result.Action = gateway.ActionPaymentCompleted
		result.Status = gateway.StatusCompleted
		result.Reference = stringField(object, "id")
	case "payment_intent.payment_failed", "payment_intent.canceled":
		result.Action = gateway.ActionPaymentFailed
		result.Status = gateway.StatusFailed
		result.Reference = stringField(object, "id")
	case "checkout.session.completed":
		result.Action = gateway.ActionPaymentCompleted
		result.Status = gateway.StatusCompleted
		if ref := stringField(object, "payment_intent"); ref != "" {
			result.Reference = ref
		} else {
			result.Reference = stringField(object, "id")
		}
	default:
		result.Action = gateway.ActionIgnored
		result.Status = gateway.StatusUnknown
		result.Reference = stringField(object, "id")
	}
	return result
}

// VerifySignature checks the signed header scheme: the header carries a
// timestamp and one or more HMAC candidates over "timestamp.body".
// Verification is skipped when no webhook secret is configured.
func (a *Adapter) VerifySignature(body []byte, signature string) error {
	if a.config.WebhookSecret == "" {
		return nil
	}
	if signature == "" {
		return &gateway.SignatureError{Gateway: Name, Reason: "missing signature header"}
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return &gateway.SignatureError{Gateway: Name, Reason: "malformed signature header"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &gateway.SignatureError{Gateway: Name, Reason: "malformed signature timestamp"}
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return &gateway.SignatureError{Gateway: Name, Reason: "signature timestamp outside tolerance"}
	}

	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return &gateway.SignatureError{Gateway: Name, Reason: "signature mismatch"}
}

// Refund reverses a captured payment. Stripe settles card refunds
// synchronously, so a succeeded response completes immediately.
func (a *Adapter) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error) {
	if !a.IsConfigured() {
		return nil, gateway.NewConfigError(Name, "secret key missing")
	}

	form := url.Values{}
	form.Set("payment_intent", req.ProviderPaymentID)
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	raw, err := a.post(ctx, "/v1/refunds", form)
	if err != nil {
		return nil, err
	}

	status := gateway.RefundPending
	if gateway.MapStatus(stringField(raw, "status")) == gateway.StatusCompleted {
		status = gateway.RefundCompleted
	}
	return &gateway.RefundResult{
		Status:   status,
		RefundID: stringField(raw, "id"),
		Raw:      raw,
	}, nil
}

func (a *Adapter) post(ctx context.Context, path string, form url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+a.config.SecretKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var raw map[string]any
	if len(body) > 0 {
		if jerr := json.Unmarshal(body, &raw); jerr != nil {
			raw = map[string]any{"body": string(body)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg := errorMessage(raw); msg != "" {
			return raw, fmt.Errorf("%s request to %s failed: %s", Name, path, msg)
		}
		return raw, fmt.Errorf("%s request to %s returned status %d", Name, path, resp.StatusCode)
	}
	return raw, nil
}

func productName(req *gateway.PaymentRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "Invoice " + req.InvoiceID
}

func eventObject(payload map[string]any) map[string]any {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil
	}
	object, _ := data["object"].(map[string]any)
	return object
}

func errorMessage(raw map[string]any) string {
	e, ok := raw["error"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(e, "message")
}

func failureMessage(raw map[string]any, providerStatus string) string {
	if e, ok := raw["last_payment_error"].(map[string]any); ok {
		if msg := stringField(e, "message"); msg != "" {
			return msg
		}
	}
	if msg := errorMessage(raw); msg != "" {
		return msg
	}
	return "payment " + providerStatus
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
