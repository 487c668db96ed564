package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargopay/internal/common/database"
	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
	"cargopay/internal/gateway/clickpesa"
	"cargopay/internal/payments"
)

const checksumSecret = "webhook-secret-1"

// fakeStore is a minimal in-memory payments.Store.
type fakeStore struct {
	mu       sync.Mutex
	invoices map[string]*payments.Invoice
	payments map[string]*payments.Payment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		invoices: make(map[string]*payments.Invoice),
		payments: make(map[string]*payments.Payment),
	}
}

func (f *fakeStore) CreateInvoice(ctx context.Context, inv *payments.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *inv
	f.invoices[inv.ID] = &cp
	return nil
}

func (f *fakeStore) GetInvoice(ctx context.Context, id string) (*payments.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeStore) CreatePayment(ctx context.Context, p *payments.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetPayment(ctx context.Context, id string) (*payments.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetPaymentByGatewayReference(ctx context.Context, gatewayName, reference string) (*payments.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.Gateway != gatewayName {
			continue
		}
		if p.GatewayPaymentID == reference || p.GatewayTransactionID == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) MarkPaymentProcessing(ctx context.Context, p *payments.Payment, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.payments[p.ID]
	if !ok {
		return false, database.ErrNotFound
	}
	stored.MergeGatewayResponse(p.GatewayResponse)
	if stored.Status != payments.PaymentPending {
		return false, nil
	}
	stored.Status = payments.PaymentProcessing
	return true, nil
}

func (f *fakeStore) FailPayment(ctx context.Context, p *payments.Payment, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.payments[p.ID]
	if !ok {
		return false, database.ErrNotFound
	}
	stored.MergeGatewayResponse(p.GatewayResponse)
	if stored.Status == payments.PaymentCompleted || stored.Status == payments.PaymentRefunded {
		return false, nil
	}
	stored.Status = payments.PaymentFailed
	stored.FailureReason = p.FailureReason
	stored.FailedAt = &now
	p.Status = payments.PaymentFailed
	return true, nil
}

func (f *fakeStore) MarkPaymentRefunded(ctx context.Context, p *payments.Payment, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.payments[p.ID]
	if !ok {
		return false, database.ErrNotFound
	}
	if stored.Status != payments.PaymentCompleted {
		return false, nil
	}
	stored.Status = payments.PaymentRefunded
	return true, nil
}

func (f *fakeStore) MergePaymentResponse(ctx context.Context, p *payments.Payment, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.payments[p.ID]
	if !ok {
		return database.ErrNotFound
	}
	stored.MergeGatewayResponse(p.GatewayResponse)
	return nil
}

func (f *fakeStore) CompletePayment(ctx context.Context, p *payments.Payment, now time.Time) (bool, *payments.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.payments[p.ID]
	if !ok {
		return false, nil, database.ErrNotFound
	}
	inv, ok := f.invoices[p.InvoiceID]
	if !ok {
		return false, nil, database.ErrNotFound
	}

	stored.MergeGatewayResponse(p.GatewayResponse)
	if stored.Status == payments.PaymentCompleted || stored.Status == payments.PaymentRefunded {
		cp := *inv
		return false, &cp, nil
	}

	stored.Status = payments.PaymentCompleted
	stored.FeeMinor = p.FeeMinor
	stored.NetMinor = p.NetMinor
	stored.CompletedAt = &now
	inv.ApplyPayment(stored.Amount.AmountMinor, now)

	cp := *inv
	return true, &cp, nil
}

func (f *fakeStore) ReserveRefund(ctx context.Context, r *payments.Refund) (bool, error) {
	return true, nil
}

func (f *fakeStore) UpdateRefund(ctx context.Context, r *payments.Refund) error { return nil }

func (f *fakeStore) DeleteRefund(ctx context.Context, id string) error { return nil }

func (f *fakeStore) ListRefunds(ctx context.Context, paymentID string) ([]*payments.Refund, error) {
	return nil, nil
}

func (f *fakeStore) CompletedRefundTotal(ctx context.Context, paymentID string) (int64, error) {
	return 0, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeStore) {
	t.Helper()
	store := newFakeStore()

	adapter := clickpesa.NewAdapter(clickpesa.Config{
		ChecksumSecret: checksumSecret,
		Timeout:        time.Second,
	}, gateway.NewTokenCache(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	svc := payments.NewService(store, gateway.NewRegistry(adapter), nil,
		time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func seedProcessingPayment(t *testing.T, store *fakeStore) {
	t.Helper()
	require.NoError(t, store.CreateInvoice(context.Background(), &payments.Invoice{
		ID: "inv_01", CustomerID: "cus_01", Currency: money.TZS,
		TotalMinor: 10_000, BalanceDueMinor: 10_000, Status: payments.InvoiceSent,
	}))
	require.NoError(t, store.CreatePayment(context.Background(), &payments.Payment{
		ID: "pay_01", InvoiceID: "inv_01", CustomerID: "cus_01",
		Status: payments.PaymentProcessing, Gateway: "clickpesa",
		Amount: money.New(10_000, money.TZS), GatewayPaymentID: "CP1",
	}))
}

// signedBody builds a webhook delivery whose checksum covers the
// scalar fields, the way the provider signs it.
func signedBody(t *testing.T, fields map[string]any) ([]byte, string) {
	t.Helper()
	cs := clickpesa.NewChecksum(checksumSecret)
	sig, err := cs.Sign(fields)
	require.NoError(t, err)

	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["checksum"] = sig
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body, sig
}

func post(h *Handler, path string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Gateway-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestWebhookCompletesPayment(t *testing.T) {
	h, store := newTestHandler(t)
	seedProcessingPayment(t, store)

	body, sig := signedBody(t, map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "CP1",
		"status":         "SUCCESS",
	})

	rec := post(h, "/clickpesa", body, sig)
	assert.Equal(t, http.StatusOK, rec.Code)

	p, err := store.GetPayment(context.Background(), "pay_01")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentCompleted, p.Status)

	inv, err := store.GetInvoice(context.Background(), "inv_01")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), inv.PaidMinor)
	assert.Equal(t, payments.InvoicePaid, inv.Status)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	h, store := newTestHandler(t)
	seedProcessingPayment(t, store)

	body, sig := signedBody(t, map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "CP1",
	})

	assert.Equal(t, http.StatusOK, post(h, "/clickpesa", body, sig).Code)
	assert.Equal(t, http.StatusOK, post(h, "/clickpesa", body, sig).Code)

	inv, err := store.GetInvoice(context.Background(), "inv_01")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), inv.PaidMinor)
	assert.Equal(t, int64(0), inv.BalanceDueMinor)
	require.NoError(t, inv.CheckBalance())
}

func TestWebhookTamperedSignature(t *testing.T) {
	h, store := newTestHandler(t)
	seedProcessingPayment(t, store)

	body, sig := signedBody(t, map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "CP1",
	})

	// Flip one character of a valid signature.
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	rec := post(h, "/clickpesa", body, string(flipped))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The payment was not processed.
	p, err := store.GetPayment(context.Background(), "pay_01")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentProcessing, p.Status)
}

func TestWebhookMissingSignature(t *testing.T) {
	h, store := newTestHandler(t)
	seedProcessingPayment(t, store)

	body, _ := signedBody(t, map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "CP1",
	})

	rec := post(h, "/clickpesa", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMissingReference(t *testing.T) {
	h, _ := newTestHandler(t)

	body, sig := signedBody(t, map[string]any{
		"eventType": "PAYMENT RECEIVED",
	})

	rec := post(h, "/clickpesa", body, sig)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMalformedPayload(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, "/clickpesa", []byte(`{not json`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookOversizedBody(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, "/clickpesa", bytes.Repeat([]byte("a"), maxBodyBytes+1), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookUnknownGateway(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, "/not-a-gateway", []byte(`{}`), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnknownPaymentAcknowledged(t *testing.T) {
	h, _ := newTestHandler(t)

	body, sig := signedBody(t, map[string]any{
		"eventType":      "PAYMENT RECEIVED",
		"orderReference": "UNKNOWN-REF",
	})

	// 200 despite the miss: a non-2xx would trigger provider retries.
	rec := post(h, "/clickpesa", body, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookIgnoredEventAcknowledged(t *testing.T) {
	h, store := newTestHandler(t)
	seedProcessingPayment(t, store)

	body, sig := signedBody(t, map[string]any{
		"eventType":      "PAYOUT INITIATED",
		"orderReference": "CP1",
	})

	rec := post(h, "/clickpesa", body, sig)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Data["action"])

	p, err := store.GetPayment(context.Background(), "pay_01")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentProcessing, p.Status)
	// The unrecognized event still lands in the diagnostic payload.
	assert.Equal(t, "PAYOUT INITIATED", p.GatewayResponse["eventType"])
}
