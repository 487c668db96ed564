// Package clickpesa implements the ClickPesa mobile-money adapter.
// Payments run as USSD push requests: the provider prompts the payer on
// their handset and reports the outcome through signed webhooks. Every
// API call carries an HMAC checksum over the request payload.
package clickpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
)

// Name is the registry key for this adapter.
const Name = "clickpesa"

const displayName = "ClickPesa"

// Tanzanian mobile numbers: +255 or 0 prefix, then a 6x/7x network code
// and eight digits.
var phonePattern = regexp.MustCompile(`^(\+255|0)[67]\d{8}$`)

// Fee bands in TZS. Small collections are free; the percentage steps
// down as volume grows. No fixed fee at any band.
const (
	feeFreeThresholdMinor = 1_000
	feeBandOneMaxMinor    = 500_000
	feeBandTwoMaxMinor    = 5_000_000

	feeBandOneBps   = 350
	feeBandTwoBps   = 300
	feeBandThreeBps = 245
)

// Config holds ClickPesa credentials and endpoints.
type Config struct {
	BaseURL        string        `envconfig:"CLICKPESA_BASE_URL" default:"https://api.clickpesa.com"`
	ClientID       string        `envconfig:"CLICKPESA_CLIENT_ID"`
	APIKey         string        `envconfig:"CLICKPESA_API_KEY"`
	ChecksumSecret string        `envconfig:"CLICKPESA_CHECKSUM_SECRET"`
	TokenLifetime  time.Duration `envconfig:"CLICKPESA_TOKEN_LIFETIME" default:"1h"`
	Timeout        time.Duration `envconfig:"CLICKPESA_TIMEOUT" default:"30s"`
}

// Adapter is the ClickPesa gateway implementation.
type Adapter struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	checksum   *Checksum
	tokens     *TokenProvider
	logger     *slog.Logger
}

// NewAdapter creates a ClickPesa adapter sharing the given token cache.
func NewAdapter(cfg Config, cache *gateway.TokenCache, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		checksum:   NewChecksum(cfg.ChecksumSecret),
		tokens:     NewTokenProvider(cfg, cache, logger),
		logger:     logger,
	}
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) DisplayName() string { return displayName }

// IsConfigured reports whether all three credentials are present.
func (a *Adapter) IsConfigured() bool {
	return a.config.ClientID != "" && a.config.APIKey != "" && a.config.ChecksumSecret != ""
}

func (a *Adapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.TZS, money.USD}
}

func (a *Adapter) PaymentMethods() []string {
	return []string{"mobile_money"}
}

// Validate collects every violation rather than stopping at the first.
func (a *Adapter) Validate(req *gateway.PaymentRequest) []gateway.FieldError {
	var errs []gateway.FieldError
	if !req.Amount.IsPositive() {
		errs = append(errs, gateway.FieldError{Field: "amount", Message: "amount must be positive"})
	}
	if !gateway.SupportsCurrency(a, req.Amount.Currency) {
		errs = append(errs, gateway.FieldError{Field: "currency", Message: fmt.Sprintf("currency %s not supported by %s", req.Amount.Currency, displayName)})
	}
	if req.PhoneNumber == "" {
		errs = append(errs, gateway.FieldError{Field: "phone_number", Message: "phone number is required for mobile money"})
	} else if !phonePattern.MatchString(req.PhoneNumber) {
		errs = append(errs, gateway.FieldError{Field: "phone_number", Message: "phone number must be a valid Tanzanian mobile number"})
	}
	return errs
}

// CalculateFees applies the banded schedule. Bands are defined on the
// TZS amount; USD collections use the top band rate.
func (a *Adapter) CalculateFees(amountMinor int64, currency money.Currency) (*gateway.FeeBreakdown, error) {
	if !money.IsSupported(currency) {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}

	var bps int64
	switch {
	case currency != money.TZS:
		bps = feeBandThreeBps
	case amountMinor <= feeFreeThresholdMinor:
		bps = 0
	case amountMinor <= feeBandOneMaxMinor:
		bps = feeBandOneBps
	case amountMinor <= feeBandTwoMaxMinor:
		bps = feeBandTwoBps
	default:
		bps = feeBandThreeBps
	}

	amount := money.New(amountMinor, currency)
	fee := amount.Percentage(bps)
	return &gateway.FeeBreakdown{
		FeeMinor:       fee.AmountMinor,
		NetMinor:       amountMinor - fee.AmountMinor,
		FeeBasisPoints: bps,
		FixedFeeMinor:  0,
		Currency:       currency,
	}, nil
}

// CreateIntent previews a USSD push without prompting the payer. The
// provider validates the reference and amount; the actual push happens
// on Charge.
func (a *Adapter) CreateIntent(ctx context.Context, req *gateway.PaymentRequest) (*gateway.IntentResult, error) {
	if !a.IsConfigured() {
		return nil, gateway.NewConfigError(Name, "credentials missing")
	}

	ref := req.Reference
	if ref == "" {
		ref = a.checksum.GenerateReference("CP")
	}

	payload := map[string]any{
		"amount":         formatAmount(req.Amount),
		"currency":       string(req.Amount.Currency),
		"orderReference": ref,
	}
	raw, err := a.signedPost(ctx, "/third-parties/payments/preview-ussd-push-request", payload)
	if err != nil {
		return nil, err
	}

	return &gateway.IntentResult{
		Reference: ref,
		Amount:    req.Amount,
		Raw:       raw,
	}, nil
}

// Charge initiates a USSD push. The payer confirms on their handset, so
// a healthy initiation lands in processing; completion arrives by
// webhook. Failures are carried in the result, not returned as errors.
func (a *Adapter) Charge(ctx context.Context, req *gateway.PaymentRequest) *gateway.ChargeResult {
	if !a.IsConfigured() {
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: "gateway not configured",
		}
	}

	ref := req.Reference
	if ref == "" {
		ref = a.checksum.GenerateReference("CP")
	}

	payload := map[string]any{
		"amount":         formatAmount(req.Amount),
		"currency":       string(req.Amount.Currency),
		"orderReference": ref,
		"phoneNumber":    normalizePhone(req.PhoneNumber),
	}
	raw, err := a.signedPost(ctx, "/third-parties/payments/initiate-ussd-push-request", payload)
	if err != nil {
		a.logger.Error("ussd push failed", "gateway", Name, "reference", ref, "error", err)
		return &gateway.ChargeResult{
			Status:        gateway.StatusFailed,
			FailureReason: err.Error(),
			Raw:           raw,
		}
	}

	status := gateway.MapStatus(stringField(raw, "status"))
	if status == gateway.StatusUnknown {
		a.logger.Warn("unmapped provider status", "gateway", Name, "status", stringField(raw, "status"))
		status = gateway.StatusProcessing
	}

	fees, _ := a.CalculateFees(req.Amount.AmountMinor, req.Amount.Currency)
	result := &gateway.ChargeResult{
		Status:            status,
		TransactionID:     stringField(raw, "id"),
		ProviderPaymentID: ref,
		Raw:               raw,
	}
	if fees != nil {
		result.FeeMinor = fees.FeeMinor
		result.NetMinor = fees.NetMinor
	}
	return result
}

// HandleWebhook normalizes a provider event. Unrecognized event types
// are ignored, never failed, so replays and new event kinds stay safe.
func (a *Adapter) HandleWebhook(ctx context.Context, payload map[string]any) *gateway.WebhookResult {
	eventType := stringField(payload, "eventType")
	if eventType == "" {
		eventType = stringField(payload, "event")
	}

	data := payload
	if nested, ok := payload["data"].(map[string]any); ok {
		data = nested
	}
	ref := stringField(data, "orderReference")
	if ref == "" {
		ref = stringField(data, "paymentReference")
	}

	result := &gateway.WebhookResult{
		Reference: ref,
		EventType: eventType,
	}

	switch strings.ToUpper(eventType) {
	case "PAYMENT RECEIVED":
		result.Action = gateway.ActionPaymentCompleted
		result.Status = gateway.StatusCompleted
	case "PAYMENT FAILED":
		result.Action = gateway.ActionPaymentFailed
		result.Status = gateway.StatusFailed
	default:
		// Some deliveries omit the event type and carry a bare status.
		switch gateway.MapStatus(stringField(data, "status")) {
		case gateway.StatusCompleted:
			result.Action = gateway.ActionPaymentCompleted
			result.Status = gateway.StatusCompleted
		case gateway.StatusFailed:
			result.Action = gateway.ActionPaymentFailed
			result.Status = gateway.StatusFailed
		default:
			result.Action = gateway.ActionIgnored
			result.Status = gateway.StatusUnknown
		}
	}
	return result
}

// VerifySignature checks the webhook checksum. The signature covers the
// scalar fields of the payload with the checksum field itself removed.
func (a *Adapter) VerifySignature(body []byte, signature string) error {
	if !a.checksum.IsValidFormat(signature) {
		return &gateway.SignatureError{Gateway: Name, Reason: "malformed checksum"}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return &gateway.SignatureError{Gateway: Name, Reason: "payload is not valid JSON"}
	}
	delete(payload, "checksum")

	scalars := make(map[string]any, len(payload))
	for k, v := range payload {
		switch v.(type) {
		case map[string]any, []any:
		default:
			scalars[k] = v
		}
	}

	ok, err := a.checksum.Verify(scalars, signature)
	if err != nil {
		return err
	}
	if !ok {
		return &gateway.SignatureError{Gateway: Name, Reason: "checksum mismatch"}
	}
	return nil
}

// Refund requests a reversal. ClickPesa only acknowledges; settlement
// is confirmed out of band, so the result is always pending.
func (a *Adapter) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error) {
	if !a.IsConfigured() {
		return nil, gateway.NewConfigError(Name, "credentials missing")
	}

	payload := map[string]any{
		"orderReference": req.ProviderPaymentID,
		"amount":         formatAmount(req.Amount),
		"currency":       string(req.Amount.Currency),
	}
	raw, err := a.signedPost(ctx, "/third-parties/payments/refund", payload)
	if err != nil {
		return nil, err
	}

	return &gateway.RefundResult{
		Status:   gateway.RefundPending,
		RefundID: stringField(raw, "id"),
		Raw:      raw,
	}, nil
}

// signedPost attaches the payload checksum and bearer token, then posts.
// A 401 invalidates the cached token and retries exactly once.
func (a *Adapter) signedPost(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	sig, err := a.checksum.Sign(payload)
	if err != nil {
		return nil, err
	}
	payload["checksum"] = sig

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, status, err := a.post(ctx, path, body)
	if status == http.StatusUnauthorized {
		a.tokens.Invalidate()
		raw, status, err = a.post(ctx, path, body)
	}
	if err != nil {
		return raw, err
	}
	if status < 200 || status >= 300 {
		return raw, fmt.Errorf("%s request to %s returned status %d", Name, path, status)
	}
	return raw, nil
}

func (a *Adapter) post(ctx context.Context, path string, body []byte) (map[string]any, int, error) {
	token, err := a.tokens.Token(ctx)
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
		if err := json.Unmarshal(respBody, &raw); err != nil {
			raw = map[string]any{"body": string(respBody)}
		}
	}
	return raw, resp.StatusCode, nil
}

// formatAmount renders a money value in the provider's decimal form.
func formatAmount(m money.Money) string {
	return strconv.FormatFloat(m.ToMajor(), 'f', -1, 64)
}

// normalizePhone converts the local 0-prefix form to E.164.
func normalizePhone(phone string) string {
	if strings.HasPrefix(phone, "0") {
		return "+255" + phone[1:]
	}
	return phone
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
