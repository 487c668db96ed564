// Package api exposes the admin-facing payment endpoints consumed by
// the back-office UI.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cargopay/internal/common/api"
	"cargopay/internal/common/money"
	"cargopay/internal/gateway"
	"cargopay/internal/payments"
)

// Handler serves the payment action endpoints.
type Handler struct {
	service *payments.Service
	logger  *slog.Logger
}

// NewHandler creates the payments API handler.
func NewHandler(service *payments.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/invoices/{id}/payments", h.createPayment)
	r.Post("/invoices/{id}/intent", h.createIntent)
	r.Post("/fees", h.calculateFees)
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/refunds", h.createRefund)
	r.Get("/gateways", h.listGateways)
	return r
}

type createPaymentRequest struct {
	Gateway      string `json:"gateway" validate:"required"`
	Method       string `json:"method" validate:"required"`
	AmountMinor  int64  `json:"amount_minor" validate:"gte=0"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CardToken    string `json:"card_token,omitempty"`
	Reference    string `json:"reference,omitempty"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	CustomerName string `json:"customer_name,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
}

type paymentResponse struct {
	Success bool              `json:"success"`
	Payment *payments.Payment `json:"payment"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	payment, err := h.service.ProcessPayment(r.Context(), payments.ProcessPaymentInput{
		InvoiceID:    chi.URLParam(r, "id"),
		Gateway:      req.Gateway,
		Method:       req.Method,
		AmountMinor:  req.AmountMinor,
		PhoneNumber:  req.PhoneNumber,
		CardToken:    req.CardToken,
		Reference:    req.Reference,
		Email:        req.Email,
		CustomerName: req.CustomerName,
		Description:  req.Description,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, paymentResponse{
		Success: payment.Status == payments.PaymentCompleted || payment.Status == payments.PaymentProcessing,
		Payment: payment,
	})
}

type createIntentRequest struct {
	Gateway      string `json:"gateway" validate:"required"`
	ReturnURL    string `json:"return_url,omitempty" validate:"omitempty,url"`
	CancelURL    string `json:"cancel_url,omitempty" validate:"omitempty,url"`
	Description  string `json:"description,omitempty"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	CustomerName string `json:"customer_name,omitempty"`
}

func (h *Handler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	intent, err := h.service.CreateIntent(r.Context(), chi.URLParam(r, "id"), req.Gateway,
		payments.IntentOptions{
			ReturnURL:    req.ReturnURL,
			CancelURL:    req.CancelURL,
			Description:  req.Description,
			Email:        req.Email,
			CustomerName: req.CustomerName,
		})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, intent)
}

type calculateFeesRequest struct {
	Gateway     string `json:"gateway" validate:"required"`
	AmountMinor int64  `json:"amount_minor" validate:"gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

func (h *Handler) calculateFees(w http.ResponseWriter, r *http.Request) {
	var req calculateFeesRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	fees := h.service.CalculateFees(req.Gateway, req.AmountMinor, money.Currency(req.Currency))
	api.WriteData(w, http.StatusOK, fees)
}

type paymentDetailResponse struct {
	Payment *payments.Payment  `json:"payment"`
	Refunds []*payments.Refund `json:"refunds,omitempty"`
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	payment, refunds, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, paymentDetailResponse{Payment: payment, Refunds: refunds})
}

type createRefundRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"gte=0"`
	Reason      string `json:"reason,omitempty" validate:"max=500"`
}

type refundResponse struct {
	Success bool             `json:"success"`
	Refund  *payments.Refund `json:"refund"`
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	refund, err := h.service.ProcessRefund(r.Context(), chi.URLParam(r, "id"), req.AmountMinor, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, refundResponse{Success: true, Refund: refund})
}

func (h *Handler) listGateways(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, h.service.Gateways())
}

// writeServiceError maps orchestrator errors onto the response
// envelope.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var verr *payments.ValidationError
	if errors.As(err, &verr) {
		details := make(map[string]string, len(verr.Fields))
		for _, f := range verr.Fields {
			details[f.Field] = f.Message
		}
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity,
			api.ErrCodeValidation, "Validation failed", details)
		return
	}

	switch {
	case errors.Is(err, payments.ErrInvoiceNotFound),
		errors.Is(err, payments.ErrPaymentNotFound):
		api.NotFound(w, err.Error())
	case errors.Is(err, payments.ErrUnknownGateway):
		api.BadRequest(w, err.Error())
	case errors.Is(err, payments.ErrInvoiceNotPayable),
		errors.Is(err, payments.ErrPaymentNotRefundable):
		api.Conflict(w, err.Error())
	case errors.Is(err, payments.ErrRefundExceedsPayment):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeRefundExceeded, err.Error())
	case gateway.IsConfigError(err):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeNotConfigured, err.Error())
	case gateway.IsAuthError(err):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError,
			"gateway authentication failed")
	default:
		h.logger.Error("payment request failed", "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, err.Error())
	}
}
