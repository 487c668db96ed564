// Package webhook is the inbound HTTP boundary for provider callbacks.
// Each gate is hard: a failed gate stops processing with its response
// code; everything that passes the gates is acknowledged with 200, even
// events we ignore, so providers never build a retry storm.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cargopay/internal/common/api"
	"cargopay/internal/gateway"
	"cargopay/internal/payments"
)

// signatureHeaders maps each gateway to the header its provider signs
// deliveries with.
var signatureHeaders = map[string]string{
	"stripe":    "Stripe-Signature",
	"paypal":    "X-Webhook-Token",
	"clickpesa": "X-Gateway-Signature",
}

const defaultSignatureHeader = "X-Gateway-Signature"

// maxBodyBytes caps webhook deliveries; the endpoint is unauthenticated
// until the signature gate, so reads must be bounded.
const maxBodyBytes = 1 << 20

// Handler receives provider callbacks and forwards normalized events to
// the orchestrator.
type Handler struct {
	service *payments.Service
	logger  *slog.Logger
}

// NewHandler creates the webhook ingress.
func NewHandler(service *payments.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the per-gateway webhook endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{gateway}", h.handleWebhook)
	return r
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gatewayName := chi.URLParam(r, "gateway")

	gw, ok := h.service.Gateway(gatewayName)
	if !ok {
		api.NotFound(w, "unknown gateway")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.BadRequest(w, "unreadable or oversized request body")
		return
	}

	// Audit trail: headers and raw body, with the signature elided.
	h.logger.Info("webhook received",
		"gateway", gatewayName,
		"content_length", len(body),
		"user_agent", r.UserAgent(),
	)
	h.logger.Debug("webhook payload", "gateway", gatewayName, "body", string(body))

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("malformed webhook payload", "gateway", gatewayName, "error", err)
		api.BadRequest(w, "malformed JSON payload")
		return
	}

	if verifier, ok := gw.(gateway.SignatureVerifier); ok {
		signature := r.Header.Get(signatureHeader(gatewayName))
		if err := verifier.VerifySignature(body, signature); err != nil {
			h.logger.Warn("webhook signature rejected", "gateway", gatewayName, "error", err)
			api.Unauthorized(w, "signature verification failed")
			return
		}
	}

	result := gw.HandleWebhook(ctx, payload)
	if result.Reference == "" {
		h.logger.Warn("webhook without correlating reference",
			"gateway", gatewayName, "event_type", result.EventType)
		api.BadRequest(w, "missing payment reference")
		return
	}

	if err := h.service.ReconcileWebhook(ctx, gatewayName, result, payload); err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			// Acknowledge anyway: a non-2xx would make the provider retry
			// a payment we will never know about.
			h.logger.Warn("webhook references unknown payment",
				"gateway", gatewayName, "reference", result.Reference,
				"event_type", result.EventType)
			api.WriteData(w, http.StatusOK, map[string]any{
				"received": true,
				"action":   gateway.ActionIgnored,
			})
			return
		}
		h.logger.Error("webhook reconciliation failed",
			"gateway", gatewayName, "reference", result.Reference, "error", err)
		api.InternalError(w, "webhook processing failed")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"received": true,
		"action":   result.Action,
	})
}

func signatureHeader(gatewayName string) string {
	if h, ok := signatureHeaders[gatewayName]; ok {
		return h
	}
	return defaultSignatureHeader
}
