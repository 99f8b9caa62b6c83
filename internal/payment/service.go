package payment

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	errors "github.com/frahmantamala/storefront-payments/internal"
	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/paymentgateway"
)

type RepositoryAPI interface {
	// CreateWithMpesa stores both rows in one transaction.
	CreateWithMpesa(ctx context.Context, p *paymentDatamodel.Payment, m *paymentDatamodel.MpesaPayment) error
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*paymentDatamodel.MpesaPayment, error)
	// ApplyResult moves a processing payment to its terminal state. It never
	// touches a payment that already left processing.
	ApplyResult(ctx context.Context, update ResultUpdate) (*TransitionResult, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*paymentDatamodel.MpesaPayment, error)
	SaveCallbackLog(ctx context.Context, entry *paymentDatamodel.CallbackLog) error
}

type GatewayAPI interface {
	STKPush(ctx context.Context, params paymentgateway.STKPushParams) (*paymentgatewaytypes.STKPushResponse, error)
	QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*paymentgatewaytypes.STKQueryResponse, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type InitiateRequest struct {
	PhoneNumber    string
	Amount         decimal.Decimal
	OrderReference string
	Description    string
}

type InitiateResult struct {
	PaymentID         string
	CheckoutRequestID string
	MerchantRequestID string
	Message           string
}

// CallbackSource describes where a callback came from and whether it passed
// the configured source checks.
type CallbackSource struct {
	RemoteAddr string
	Verified   bool
}

type Service struct {
	repo      RepositoryAPI
	gateway   GatewayAPI
	publisher EventPublisher
	currency  string
	logger    *slog.Logger
}

func NewService(repo RepositoryAPI, gateway GatewayAPI, publisher EventPublisher, currency string, logger *slog.Logger) *Service {
	if currency == "" {
		currency = "KES"
	}
	return &Service{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		currency:  currency,
		logger:    logger,
	}
}

// Initiate sends an STK push and records the payment once the gateway has
// accepted it. Nothing is stored when the push fails.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	phone, err := NormalizePhoneNumber(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	units, err := GatewayAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	orderReference := strings.TrimSpace(req.OrderReference)
	if orderReference == "" {
		orderReference = provisionalOrderReference()
	}

	pushResp, err := s.gateway.STKPush(ctx, paymentgateway.STKPushParams{
		PhoneNumber:      phone,
		Amount:           units,
		AccountReference: AccountReference(orderReference),
		TransactionDesc:  TransactionDesc(req.Description),
	})
	if err != nil {
		s.logger.Warn("stk push not accepted",
			"order_reference", orderReference,
			"error", err)
		return nil, gatewayError(err)
	}

	p := &paymentDatamodel.Payment{
		OrderReference: orderReference,
		PaymentMethod:  paymentDatamodel.MethodMpesa,
		Amount:         req.Amount,
		Currency:       s.currency,
		Status:         paymentDatamodel.StatusProcessing,
	}
	m := &paymentDatamodel.MpesaPayment{
		PhoneNumber:       phone,
		CheckoutRequestID: pushResp.CheckoutRequestID,
		MerchantRequestID: pushResp.MerchantRequestID,
	}

	if err := s.repo.CreateWithMpesa(ctx, p, m); err != nil {
		s.logger.Error("stk push accepted but payment could not be stored",
			"checkout_request_id", pushResp.CheckoutRequestID,
			"order_reference", orderReference,
			"error", err)
		return nil, errors.NewInternalError("failed to record payment", err)
	}

	s.logger.Info("mpesa payment initiated",
		"payment_id", p.ID,
		"checkout_request_id", m.CheckoutRequestID,
		"order_reference", orderReference)

	s.publish(ctx, events.NewPaymentInitiatedEvent(p.ID, orderReference, m.CheckoutRequestID, p.Amount.StringFixed(2), p.Currency))

	message := pushResp.CustomerMessage
	if message == "" {
		message = "STK push sent. Please check your phone to complete the payment."
	}

	return &InitiateResult{
		PaymentID:         p.ID,
		CheckoutRequestID: m.CheckoutRequestID,
		MerchantRequestID: m.MerchantRequestID,
		Message:           message,
	}, nil
}

// ProcessPayment routes a checkout payment to the handler for its method.
func (s *Service) ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (*InitiateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	switch paymentDatamodel.Method(req.PaymentMethod) {
	case paymentDatamodel.MethodMpesa:
		return s.Initiate(ctx, InitiateRequest{
			PhoneNumber:    req.PhoneNumber,
			Amount:         req.Amount,
			OrderReference: req.OrderReference,
			Description:    req.Description,
		})
	default:
		return nil, errors.NewValidationFieldError("payment_method",
			fmt.Sprintf("payment method %q is not handled by this service", req.PaymentMethod),
			errors.ErrCodeUnsupportedMethod)
	}
}

// CheckStatus asks the gateway for the current state of a push. Gateway
// problems are reported as a failed status, never as an error, and nothing
// is written back.
func (s *Service) CheckStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, errors.NewValidationFieldError("checkout_request_id", "checkout_request_id is required", errors.ErrCodeInvalidCheckoutRequestID)
	}

	resp, err := s.gateway.QuerySTKStatus(ctx, checkoutRequestID)
	if err != nil {
		s.logger.Warn("stk status query failed",
			"checkout_request_id", checkoutRequestID,
			"error", err)
		result := FailedStatus(describeGatewayError(err))
		return &result, nil
	}

	result := MapQueryResult(resp)

	if result.Status == PollStatusSuccess && result.TransactionID == nil {
		record, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
		if err == nil && record.Payment != nil && record.Payment.Status == paymentDatamodel.StatusCompleted {
			result.TransactionID = record.Payment.TransactionID
		}
	}

	return &result, nil
}

// HandleCallback applies a gateway callback. It returns the outcome for
// logging; the HTTP acknowledgement does not depend on it.
func (s *Service) HandleCallback(ctx context.Context, body []byte, source CallbackSource) Outcome {
	entry := &paymentDatamodel.CallbackLog{
		RemoteAddr: source.RemoteAddr,
		Payload:    callbackPayload(body),
	}

	outcome := s.handleCallback(ctx, body, source, entry)

	entry.Outcome = string(outcome)
	if err := s.repo.SaveCallbackLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to store callback log", "outcome", outcome, "error", err)
	}

	return outcome
}

func (s *Service) handleCallback(ctx context.Context, body []byte, source CallbackSource, entry *paymentDatamodel.CallbackLog) Outcome {
	if !source.Verified {
		s.logger.Warn("callback rejected by source checks", "remote_addr", source.RemoteAddr)
		return OutcomeRejected
	}

	parsed, err := ParseCallback(body)
	if err != nil {
		s.logger.Warn("malformed mpesa callback", "remote_addr", source.RemoteAddr, "error", err)
		return OutcomeInvalid
	}

	entry.CheckoutRequestID = &parsed.CheckoutRequestID
	entry.ResultCode = &parsed.ResultCode

	s.logger.Info("mpesa callback received",
		"checkout_request_id", parsed.CheckoutRequestID,
		"merchant_request_id", parsed.MerchantRequestID,
		"result_code", parsed.ResultCode,
		"result_desc", parsed.ResultDesc)

	outcome, err := s.applyResult(ctx, parsed.ResultUpdate())
	if err != nil {
		s.logger.Error("failed to apply mpesa callback",
			"checkout_request_id", parsed.CheckoutRequestID,
			"error", err)
		return OutcomeError
	}
	return outcome
}

// Reconcile settles one stale payment from the gateway's answer. Pending
// answers and gateway errors leave the record untouched.
func (s *Service) Reconcile(ctx context.Context, checkoutRequestID string) (Outcome, error) {
	return s.reconcile(ctx, checkoutRequestID, false)
}

// ReconcileExpired is Reconcile for a payment past its pending window. A
// pending answer settles it as failed; transport errors and other gateway
// error bodies still leave it untouched.
func (s *Service) ReconcileExpired(ctx context.Context, checkoutRequestID string) (Outcome, error) {
	return s.reconcile(ctx, checkoutRequestID, true)
}

func (s *Service) reconcile(ctx context.Context, checkoutRequestID string, expired bool) (Outcome, error) {
	resp, err := s.gateway.QuerySTKStatus(ctx, checkoutRequestID)
	if err != nil {
		return OutcomeError, err
	}

	result := MapQueryResult(resp)
	if resp.ErrorCode != "" && result.Status != PollStatusPending {
		s.logger.Debug("reconcile: gateway returned error body, skipping",
			"checkout_request_id", checkoutRequestID,
			"error_code", resp.ErrorCode)
		return OutcomeSkipped, nil
	}

	if result.Status == PollStatusPending {
		if !expired {
			return OutcomeSkipped, nil
		}
		s.logger.Warn("reconcile: no final result before expiry, failing payment",
			"checkout_request_id", checkoutRequestID,
			"result_code", result.ResultCode)
		result = expiredResult(result)
	}

	update := ResultUpdate{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        result.ResultCode,
		ResultDesc:        result.ResultDesc,
		ReceiptNumber:     result.TransactionID,
	}
	return s.applyResult(ctx, update)
}

func expiredResult(pending StatusResult) StatusResult {
	code := pending.ResultCode
	if code == "" {
		code = ResultCodeExpired
	}
	desc := "no final result before expiry"
	if pending.ResultDesc != "" {
		desc += ": " + pending.ResultDesc
	}
	return StatusResult{Status: PollStatusFailed, ResultCode: code, ResultDesc: desc}
}

func (s *Service) applyResult(ctx context.Context, update ResultUpdate) (Outcome, error) {
	res, err := s.repo.ApplyResult(ctx, update)
	if err != nil {
		return OutcomeError, err
	}

	switch res.Outcome {
	case OutcomeUnknown:
		s.logger.Warn("result for unknown checkout request", "checkout_request_id", update.CheckoutRequestID)
	case OutcomeDuplicate:
		s.logger.Info("duplicate result ignored",
			"checkout_request_id", update.CheckoutRequestID,
			"current_status", res.PreviousStatus)
	case OutcomeBackfilled:
		s.logger.Info("receipt recorded on completed payment",
			"payment_id", res.Payment.ID,
			"checkout_request_id", update.CheckoutRequestID)
		s.publishTransition(ctx, res.Payment, update)
	case OutcomeApplied:
		s.logger.Info("payment status updated",
			"payment_id", res.Payment.ID,
			"checkout_request_id", update.CheckoutRequestID,
			"old_status", res.PreviousStatus,
			"new_status", res.Payment.Status)
		s.publishTransition(ctx, res.Payment, update)
	}

	return res.Outcome, nil
}

// GetMpesaPayment returns the persisted record for a checkout request.
func (s *Service) GetMpesaPayment(ctx context.Context, checkoutRequestID string) (*paymentDatamodel.MpesaPayment, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, errors.NewValidationFieldError("checkout_request_id", "checkout_request_id is required", errors.ErrCodeInvalidCheckoutRequestID)
	}
	record, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		if stderrors.Is(err, ErrPaymentNotFound) {
			return nil, errors.ErrPaymentNotFound
		}
		return nil, errors.NewInternalError("failed to load payment", err)
	}
	return record, nil
}

// ListStale returns processing payments last touched before olderThan.
func (s *Service) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*paymentDatamodel.MpesaPayment, error) {
	return s.repo.ListStaleProcessing(ctx, olderThan, limit)
}

func (s *Service) publishTransition(ctx context.Context, p *paymentDatamodel.Payment, update ResultUpdate) {
	if update.Succeeded() {
		transactionID := ""
		if p.TransactionID != nil {
			transactionID = *p.TransactionID
		}
		s.publish(ctx, events.NewPaymentCompletedEvent(p.ID, p.OrderReference, update.CheckoutRequestID, p.Amount.StringFixed(2), transactionID))
		return
	}
	s.publish(ctx, events.NewPaymentFailedEvent(p.ID, p.OrderReference, update.CheckoutRequestID, update.ResultCode, update.ResultDesc))
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}

func provisionalOrderReference() string {
	return "ORD-" + strings.ToUpper(uuid.NewString()[:8])
}

func callbackPayload(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return datatypes.JSON(wrapped)
}

func gatewayError(err error) error {
	var rejection *paymentgateway.RejectionError
	switch {
	case stderrors.As(err, &rejection):
		return errors.NewExternalError(rejection.Message, errors.ErrCodeGatewayRejected, http.StatusBadGateway).WithCause(err)
	case stderrors.Is(err, paymentgateway.ErrTokenUnavailable):
		return errors.ErrGatewayUnavailable.WithCause(err)
	case stderrors.Is(err, paymentgateway.ErrTimeout):
		return errors.ErrGatewayTimeout.WithCause(err)
	case stderrors.Is(err, paymentgateway.ErrNetwork):
		return errors.ErrGatewayUnreachable.WithCause(err)
	default:
		return errors.NewInternalError("payment initiation failed", err)
	}
}

func describeGatewayError(err error) string {
	var rejection *paymentgateway.RejectionError
	switch {
	case stderrors.As(err, &rejection):
		return "Status query rejected: " + rejection.Message
	case stderrors.Is(err, paymentgateway.ErrTokenUnavailable):
		return "Payment service unavailable: could not authenticate with gateway"
	case stderrors.Is(err, paymentgateway.ErrTimeout):
		return "Status query timed out"
	case stderrors.Is(err, paymentgateway.ErrNetwork):
		return "Could not reach payment gateway"
	default:
		return "Status query failed"
	}
}
