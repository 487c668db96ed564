// Package paypal implements the PayPal adapter. Payments follow the
// redirect order flow: an order is created and the payer approves it on
// the PayPal page before the capture settles it. API access uses a
// client-credentials token cached until shortly before expiry.
package paypal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
)

// Name is the registry key for this adapter.
const Name = "paypal"

const displayName = "PayPal"

// tokenSafetyMargin is subtracted from the token lifetime reported by
// the provider so a cached token is never presented near expiry.
const tokenSafetyMargin = 5 * time.Minute

// Standard checkout fees: a percentage plus a fixed per-transaction fee.
const (
	feeBps        = 349
	feeFixedMinor = 49
)

// Config holds PayPal credentials and endpoints.
type Config struct {
	ClientID      string        `envconfig:"PAYPAL_CLIENT_ID"`
	ClientSecret  string        `envconfig:"PAYPAL_CLIENT_SECRET"`
	WebhookSecret string        `envconfig:"PAYPAL_WEBHOOK_SECRET"`
	BaseURL       string        `envconfig:"PAYPAL_BASE_URL" default:"https://api-m.paypal.com"`
	Timeout       time.Duration `envconfig:"PAYPAL_TIMEOUT" default:"30s"`
}

// Adapter is the PayPal gateway implementation.
type Adapter struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	cache      *gateway.TokenCache
	logger     *slog.Logger
}

// NewAdapter creates a PayPal adapter sharing the given token cache.
func NewAdapter(cfg Config, cache *gateway.TokenCache, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		logger:     logger,
	}
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) DisplayName() string { return displayName }

func (a *Adapter) IsConfigured() bool {
	return a.config.ClientID != "" && a.config.ClientSecret != ""
}

func (a *Adapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.USD, money.EUR, money.GBP}
}

func (a *Adapter) PaymentMethods() []string {
	return []string{"paypal"}
}

// Validate collects every violation. The redirect flow needs both a
// return and a cancel destination.
func (a *Adapter) Validate(req *gateway.PaymentRequest) []gateway.FieldError {
	var errs []gateway.FieldError
	if !req.Amount.IsPositive() {
		errs = append(errs, gateway.FieldError{Field: "amount", Message: "amount must be positive"})
	}
	if !gateway.SupportsCurrency(a, req.Amount.Currency) {
		errs = append(errs, gateway.FieldError{Field: "currency", Message: fmt.Sprintf("currency %s not supported by %s", req.Amount.Currency, displayName)})
	}
	if req.ReturnURL == "" {
		errs = append(errs, gateway.FieldError{Field: "return_url", Message: "return URL is required for the redirect flow"})
	}
	if req.CancelURL == "" {
		errs = append(errs, gateway.FieldError{Field: "cancel_url", Message: "cancel URL is required for the redirect flow"})
	}
	return errs
}

// CalculateFees applies the flat checkout schedule.
func (a *Adapter) CalculateFees(amountMinor int64, currency money.Currency) (*gateway.FeeBreakdown, error) {
	if !money.IsSupported(currency) {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}

	fee := money.New(amountMinor, currency).Percentage(feeBps).AmountMinor + feeFixedMinor
	return &gateway.FeeBreakdown{
		FeeMinor:       fee,
		NetMinor:       amountMinor - fee,
		FeeBasisPoints: feeBps,
		FixedFeeMinor:  feeFixedMinor,
		Currency:       currency,
	}, nil
}

// CreateIntent creates an order and returns the payer approval link.
func (a *Adapter) CreateIntent(ctx context.Context, req *gateway.PaymentRequest) (*gateway.IntentResult, error) {
	if !a.IsConfigured() {
		return nil, gateway.NewConfigError(Name, "client credentials missing")
	}

	order := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.InvoiceID,
			"description":  req.Description,
			"amount": map[string]any{
				"currency_code": string(req.Amount.Currency),
				"value":         formatAmount(req.Amount),
			},
		}},
		"application_context": map[string]any{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	raw, err := a.postJSON(ctx, "/v2/checkout/orders", order)
	if err != nil {
		return nil, err
	}

	return &gateway.IntentResult{
		Reference:   stringField(raw, "id"),
		RedirectURL: approveLink(raw),
		Amount:      req.Amount,
		Raw:         raw,
	}, nil
}

// Charge captures a previously approved order. The order id arrives in
// req.Reference after the payer returns from the approval page; without
// it there is nothing to capture.
func (a *Adapter) Charge(ctx context.Context, req *gateway.PaymentRequest) *gateway.ChargeResult {
	if !a.IsConfigured() {
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: "gateway not configured",
		}
	}
	if req.Reference == "" {
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: "order not approved: create an intent and redirect the payer first",
		}
	}

	raw, err := a.postJSON(ctx, "/v2/checkout/orders/"+req.Reference+"/capture", nil)
	if err != nil {
		a.logger.Error("order capture failed", "gateway", Name, "order_id", req.Reference, "error", err)
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: err.Error(),
			Raw:           raw,
		}
	}

	status := gateway.MapStatus(stringField(raw, "status"))
	result := &gateway.ChargeResult{
		Status:            status,
		TransactionID:     captureID(raw),
		ProviderPaymentID: stringField(raw, "id"),
		Raw:               raw,
	}
	if status == gateway.StatusCompleted {
		if fees, ferr := a.CalculateFees(req.Amount.AmountMinor, req.Amount.Currency); ferr == nil {
			result.FeeMinor = fees.FeeMinor
			result.NetMinor = fees.NetMinor
		}
	}
	if status == gateway.StatusUnknown {
		a.logger.Warn("unmapped provider status", "gateway", Name, "status", stringField(raw, "status"))
	}
	return result
}

// HandleWebhook normalizes a provider event by event type.
func (a *Adapter) HandleWebhook(ctx context.Context, payload map[string]any) *gateway.WebhookResult {
	eventType := stringField(payload, "event_type")
	resource, _ := payload["resource"].(map[string]any)

	result := &gateway.WebhookResult{
		EventType: eventType,
		Reference: webhookReference(resource),
	}

	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		result.Action = gateway.ActionPaymentCompleted
		result.Status = gateway.StatusCompleted
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		result.Action = gateway.ActionPaymentFailed
		result.Status = gateway.StatusFailed
	default:
		result.Action = gateway.ActionIgnored
		result.Status = gateway.StatusUnknown
	}
	return result
}

// VerifySignature compares the delivery's verification token against
// the configured one in constant time. When no webhook secret is
// configured the gate is skipped and deliveries are accepted.
func (a *Adapter) VerifySignature(body []byte, signature string) error {
	if a.config.WebhookSecret == "" {
		return nil
	}
	if signature == "" {
		return &gateway.SignatureError{Gateway: Name, Reason: "missing verification token"}
	}
	if !hmac.Equal([]byte(a.config.WebhookSecret), []byte(signature)) {
		return &gateway.SignatureError{Gateway: Name, Reason: "verification token mismatch"}
	}
	return nil
}

// Refund reverses a captured payment. PayPal settles refunds
// synchronously on the capture.
func (a *Adapter) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error) {
	if !a.IsConfigured() {
		return nil, gateway.NewConfigError(Name, "client credentials missing")
	}

	payload := map[string]any{
		"amount": map[string]any{
			"currency_code": string(req.Amount.Currency),
			"value":         formatAmount(req.Amount),
		},
	}
	if req.Reason != "" {
		payload["note_to_payer"] = req.Reason
	}

	raw, err := a.postJSON(ctx, "/v2/payments/captures/"+req.TransactionID+"/refund", payload)
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

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a client-credentials bearer token, serving from cache
// until the provider-reported lifetime minus the safety margin elapses.
func (a *Adapter) token(ctx context.Context) (string, error) {
	if tok, ok := a.cache.Get(Name); ok {
		return tok, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &gateway.AuthError{Gateway: Name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &gateway.AuthError{Gateway: Name, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &gateway.AuthError{Gateway: Name, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", &gateway.AuthError{Gateway: Name, Body: string(body), Err: err}
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenSafetyMargin
	if ttl <= 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	a.cache.Set(Name, tr.AccessToken, ttl)
	return tr.AccessToken, nil
}

// postJSON sends an authorized JSON request. A 401 invalidates the
// cached token and retries exactly once.
func (a *Adapter) postJSON(ctx context.Context, path string, payload any) (map[string]any, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	raw, status, err := a.post(ctx, path, body)
	if status == http.StatusUnauthorized {
		a.cache.Invalidate(Name)
		raw, status, err = a.post(ctx, path, body)
	}
	if err != nil {
		return raw, err
	}
	if status < 200 || status >= 300 {
		if msg := errorMessage(raw); msg != "" {
			return raw, fmt.Errorf("%s request to %s failed: %s", Name, path, msg)
		}
		return raw, fmt.Errorf("%s request to %s returned status %d", Name, path, status)
	}
	return raw, nil
}

func (a *Adapter) post(ctx context.Context, path string, body []byte) (map[string]any, int, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var raw map[string]any
	if len(respBody) > 0 {
		if jerr := json.Unmarshal(respBody, &raw); jerr != nil {
			raw = map[string]any{"body": string(respBody)}
		}
	}
	return raw, resp.StatusCode, nil
}

// formatAmount renders a money value with the currency's full minor
// precision, the form the orders API requires.
func formatAmount(m money.Money) string {
	info, ok := money.GetCurrencyInfo(m.Currency)
	if !ok {
		return strconv.FormatFloat(m.ToMajor(), 'f', -1, 64)
	}
	return strconv.FormatFloat(m.ToMajor(), 'f', info.MinorUnits, 64)
}

// approveLink extracts the payer approval URL from the order links.
func approveLink(raw map[string]any) string {
	links, _ := raw["links"].([]any)
	for _, l := range links {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}
		if stringField(link, "rel") == "approve" {
			return stringField(link, "href")
		}
	}
	return ""
}

// captureID digs the capture id out of the first purchase unit.
func captureID(raw map[string]any) string {
	units, _ := raw["purchase_units"].([]any)
	for _, u := range units {
		unit, ok := u.(map[string]any)
		if !ok {
			continue
		}
		payments, ok := unit["payments"].(map[string]any)
		if !ok {
			continue
		}
		captures, _ := payments["captures"].([]any)
		for _, c := range captures {
			if capture, ok := c.(map[string]any); ok {
				if id := stringField(capture, "id"); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// webhookReference prefers the order id the resource links back to,
// falling back to the resource's own id.
func webhookReference(resource map[string]any) string {
	if resource == nil {
		return ""
	}
	if related, ok := resource["supplementary_data"].(map[string]any); ok {
		if ids, ok := related["related_ids"].(map[string]any); ok {
			if id := stringField(ids, "order_id"); id != "" {
				return id
			}
		}
	}
	return stringField(resource, "id")
}

func errorMessage(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	if msg := stringField(raw, "message"); msg != "" {
		return msg
	}
	return stringField(raw, "error_description")
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
