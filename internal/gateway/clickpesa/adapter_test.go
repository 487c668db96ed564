package clickpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
)

// fakeProvider is a minimal ClickPesa stand-in: token endpoint plus a
// configurable handler for everything else, with per-path call counts.
type fakeProvider struct {
	srv        *http.ServeMux
	tokenCalls atomic.Int64
	apiCalls   atomic.Int64
}

func newFakeProvider(t *testing.T, handler http.HandlerFunc) (*fakeProvider, *httptest.Server) {
	t.Helper()
	fp := &fakeProvider{srv: http.NewServeMux()}
	fp.srv.HandleFunc("/third-parties/generate-token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenCalls.Add(1)
		w.Write([]byte(`{"success":true,"token":"tok-1"}`))
	})
	fp.srv.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fp.apiCalls.Add(1)
		handler(w, r)
	})
	srv := httptest.NewServer(fp.srv)
	t.Cleanup(srv.Close)
	return fp, srv
}

func newTestAdapter(baseURL string) *Adapter {
	return NewAdapter(Config{
		BaseURL:        baseURL,
		ClientID:       "client-1",
		APIKey:         "key-1",
		ChecksumSecret: "secret-1",
		TokenLifetime:  time.Hour,
		Timeout:        5 * time.Second,
	}, gateway.NewTokenCache(), discardLogger())
}

func paymentRequest() *gateway.PaymentRequest {
	return &gateway.PaymentRequest{
		InvoiceID:   "inv_01",
		CustomerID:  "cus_01",
		Amount:      money.New(10_000, money.TZS),
		Method:      "mobile_money",
		PhoneNumber: "+255712345678",
		Reference:   "CP1700000000ABC123",
	}
}

func TestCalculateFeesBands(t *testing.T) {
	a := newTestAdapter("http://unused")

	tests := []struct {
		name     string
		amount   int64
		currency money.Currency
		wantFee  int64
		wantBps  int64
	}{
		{"free band", 1_000, money.TZS, 0, 0},
		{"just above free band", 1_001, money.TZS, 35, feeBandOneBps},
		{"mid band one", 10_000, money.TZS, 350, feeBandOneBps},
		{"band one ceiling", 500_000, money.TZS, 17_500, feeBandOneBps},
		{"band two floor", 500_001, money.TZS, 15_000, feeBandTwoBps},
		{"band two ceiling", 5_000_000, money.TZS, 150_000, feeBandTwoBps},
		{"top band", 5_000_001, money.TZS, 122_500, feeBandThreeBps},
		{"usd uses top band", 10_000, money.USD, 245, feeBandThreeBps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fees, err := a.CalculateFees(tt.amount, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, fees.FeeMinor)
			assert.Equal(t, tt.wantBps, fees.FeeBasisPoints)
			assert.Equal(t, int64(0), fees.FixedFeeMinor)
			assert.Equal(t, tt.amount, fees.FeeMinor+fees.NetMinor)
		})
	}
}

func TestCalculateFeesUnsupportedCurrency(t *testing.T) {
	a := newTestAdapter("http://unused")

	_, err := a.CalculateFees(10_000, money.Currency("XXX"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	a := newTestAdapter("http://unused")

	assert.Empty(t, a.Validate(paymentRequest()))

	req := paymentRequest()
	req.PhoneNumber = "0712345678"
	assert.Empty(t, a.Validate(req))

	req = paymentRequest()
	req.Amount = money.Zero(money.TZS)
	req.PhoneNumber = ""
	errs := a.Validate(req)
	require.Len(t, errs, 2)
	assert.Equal(t, "amount", errs[0].Field)
	assert.Equal(t, "phone_number", errs[1].Field)

	req = paymentRequest()
	req.Amount = money.New(10_000, money.KES)
	req.PhoneNumber = "0512345678"
	errs = a.Validate(req)
	require.Len(t, errs, 2)
	assert.Equal(t, "currency", errs[0].Field)
	assert.Equal(t, "phone_number", errs[1].Field)
}

func TestChargeNotConfiguredMakesNoNetworkCall(t *testing.T) {
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cp_1","status":"PROCESSING"}`))
	})

	a := NewAdapter(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, gateway.NewTokenCache(), discardLogger())
	require.False(t, a.IsConfigured())

	result := a.Charge(context.Background(), paymentRequest())
	assert.Equal(t, gateway.StatusFailed, result.Status)
	assert.Equal(t, "gateway not configured", result.FailureReason)
	assert.Equal(t, int64(0), fp.tokenCalls.Load())
	assert.Equal(t, int64(0), fp.apiCalls.Load())
}

func TestChargeInitiatesUSSDPush(t *testing.T) {
	var gotBody map[string]any
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/third-parties/payments/initiate-ussd-push-request", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"id":"cp_123","status":"PROCESSING","orderReference":"CP1700000000ABC123"}`))
	})

	a := newTestAdapter(srv.URL)
	req := paymentRequest()
	req.PhoneNumber = "0712345678"

	result := a.Charge(context.Background(), req)
	assert.Equal(t, gateway.StatusProcessing, result.Status)
	assert.Equal(t, "cp_123", result.TransactionID)
	assert.Equal(t, "CP1700000000ABC123", result.ProviderPaymentID)
	assert.Equal(t, int64(350), result.FeeMinor)
	assert.Equal(t, int64(9_650), result.NetMinor)
	assert.Equal(t, int64(1), fp.apiCalls.Load())

	assert.Equal(t, "10000", gotBody["amount"])
	assert.Equal(t, "TZS", gotBody["currency"])
	assert.Equal(t, "+255712345678", gotBody["phoneNumber"])
	sig, ok := gotBody["checksum"].(string)
	require.True(t, ok)
	assert.True(t, a.checksum.IsValidFormat(sig))
}

func TestChargeRetriesOnceOnStaleToken(t *testing.T) {
	var attempts atomic.Int64
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"cp_123","status":"PROCESSING"}`))
	})

	a := newTestAdapter(srv.URL)

	result := a.Charge(context.Background(), paymentRequest())
	assert.Equal(t, gateway.StatusProcessing, result.Status)
	assert.Equal(t, int64(2), fp.apiCalls.Load())
	// Invalidate dropped the cached token before the retry.
	assert.Equal(t, int64(2), fp.tokenCalls.Load())
}

func TestChargeProviderFailure(t *testing.T) {
	_, srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"amount below minimum"}`))
	})

	a := newTestAdapter(srv.URL)

	result := a.Charge(context.Background(), paymentRequest())
	assert.Equal(t, gateway.StatusFailed, result.Status)
	assert.Contains(t, result.FailureReason, "422")
}

func TestCreateIntent(t *testing.T) {
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/third-parties/payments/preview-ussd-push-request", r.URL.Path)
		w.Write([]byte(`{"activeFees":[],"status":"SUCCESS"}`))
	})

	a := newTestAdapter(srv.URL)
	req := paymentRequest()
	req.Reference = ""

	intent, err := a.CreateIntent(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, intent.Reference)
	assert.Empty(t, intent.RedirectURL)
	assert.True(t, intent.Amount.Equal(req.Amount))
	assert.Equal(t, int64(1), fp.apiCalls.Load())
}

func TestHandleWebhook(t *testing.T) {
	a := newTestAdapter("http://unused")

	tests := []struct {
		name       string
		payload    map[string]any
		wantAction string
		wantStatus gateway.Status
		wantRef    string
	}{
		{
			name: "payment received",
			payload: map[string]any{
				"eventType": "PAYMENT RECEIVED",
				"data":      map[string]any{"orderReference": "CP1", "status": "SUCCESS"},
			},
			wantAction: gateway.ActionPaymentCompleted,
			wantStatus: gateway.StatusCompleted,
			wantRef:    "CP1",
		},
		{
			name: "payment failed",
			payload: map[string]any{
				"eventType": "PAYMENT FAILED",
				"data":      map[string]any{"orderReference": "CP2"},
			},
			wantAction: gateway.ActionPaymentFailed,
			wantStatus: gateway.StatusFailed,
			wantRef:    "CP2",
		},
		{
			name: "bare status fallback",
			payload: map[string]any{
				"orderReference": "CP3",
				"status":         "SETTLED",
			},
			wantAction: gateway.ActionPaymentCompleted,
			wantStatus: gateway.StatusCompleted,
			wantRef:    "CP3",
		},
		{
			name: "unrecognized event ignored",
			payload: map[string]any{
				"eventType": "PAYOUT INITIATED",
				"data":      map[string]any{"orderReference": "CP4"},
			},
			wantAction: gateway.ActionIgnored,
			wantStatus: gateway.StatusUnknown,
			wantRef:    "CP4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := a.HandleWebhook(context.Background(), tt.payload)
			assert.Equal(t, tt.wantAction, result.Action)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantRef, result.Reference)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	a := newTestAdapter("http://unused")

	payload := map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "CP1",
		"amount":         "10000",
	}
	sig, err := a.checksum.Sign(payload)
	require.NoError(t, err)

	payload["checksum"] = sig
	payload["data"] = map[string]any{"collectedCurrency": "TZS"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	require.NoError(t, a.VerifySignature(body, sig))

	tampered, err := json.Marshal(map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "CP1",
		"amount":         "99999",
		"checksum":       sig,
	})
	require.NoError(t, err)
	err = a.VerifySignature(tampered, sig)
	require.Error(t, err)
	assert.True(t, gateway.IsSignatureError(err))

	err = a.VerifySignature(body, "not-a-checksum")
	require.Error(t, err)
	assert.True(t, gateway.IsSignatureError(err))
}

func TestRefundAcknowledgesAsPending(t *testing.T) {
	_, srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/third-parties/payments/refund", r.URL.Path)
		w.Write([]byte(`{"id":"rf_1","status":"SUCCESS"}`))
	})

	a := newTestAdapter(srv.URL)

	result, err := a.Refund(context.Background(), &gateway.RefundRequest{
		ProviderPaymentID: "CP1700000000ABC123",
		Amount:            money.New(5_000, money.TZS),
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.RefundPending, result.Status)
	assert.Equal(t, "rf_1", result.RefundID)
}

func TestRefundNotConfigured(t *testing.T) {
	a := NewAdapter(Config{}, gateway.NewTokenCache(), discardLogger())

	_, err := a.Refund(context.Background(), &gateway.RefundRequest{
		Amount: money.New(5_000, money.TZS),
	})
	require.Error(t, err)
	assert.True(t, gateway.IsConfigError(err))
}
