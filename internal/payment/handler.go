package payment

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/storefront-payments/internal"
	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

type ServiceAPI interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
	GetMpesaPayment(ctx context.Context, checkoutRequestID string) (*paymentDatamodel.MpesaPayment, error)
	HandleCallback(ctx context.Context, body []byte, source CallbackSource) Outcome
}

type Handler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, paymentService ServiceAPI) *Handler {
	return &Handler{
		BaseHandler:    baseHandler,
		PaymentService: paymentService,
	}
}

// ProcessPayment handles POST /api/v1/payment/process
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req ProcessPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("ProcessPayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	result, err := h.PaymentService.ProcessPayment(r.Context(), req)
	if err != nil {
		h.Logger.Warn("ProcessPayment: payment not started",
			"user_id", errors.UserIDFromContext(r.Context()),
			"payment_method", req.PaymentMethod,
			"order_reference", req.OrderReference,
			"error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, NewPaymentResponse(result))
}

// StkPush handles POST /api/v1/payment/mpesa/stk-push
func (h *Handler) StkPush(w http.ResponseWriter, r *http.Request) {
	var req STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("StkPush: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	result, err := h.PaymentService.Initiate(r.Context(), req.ToInitiateRequest())
	if err != nil {
		h.Logger.Warn("StkPush: initiation failed",
			"user_id", errors.UserIDFromContext(r.Context()),
			"order_reference", req.OrderReference,
			"error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("StkPush: push sent",
		"user_id", errors.UserIDFromContext(r.Context()),
		"payment_id", result.PaymentID,
		"checkout_request_id", result.CheckoutRequestID)

	h.WriteJSON(w, http.StatusOK, NewPaymentResponse(result))
}

// MpesaStatus handles GET /api/v1/payment/mpesa/status/{checkoutRequestId}
func (h *Handler) MpesaStatus(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := chi.URLParam(r, "checkoutRequestId")

	result, err := h.PaymentService.CheckStatus(r.Context(), checkoutRequestID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// GetMpesaPayment handles GET /api/v1/payment/mpesa/{checkoutRequestId}
func (h *Handler) GetMpesaPayment(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := chi.URLParam(r, "checkoutRequestId")

	record, err := h.PaymentService.GetMpesaPayment(r.Context(), checkoutRequestID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, NewMpesaPaymentView(record))
}
