package payment

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/common/validation"
	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/paymentgateway"
)

// ProcessPaymentRequest is the method-agnostic checkout payload.
type ProcessPaymentRequest struct {
	PaymentMethod  string          `json:"payment_method"`
	Amount         decimal.Decimal `json:"amount"`
	PhoneNumber    string          `json:"phone_number"`
	OrderReference string          `json:"order_reference"`
	Description    string          `json:"description,omitempty"`
}

func (r *ProcessPaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("payment_method", r.PaymentMethod).
		Required().
		OneOf(errors.ErrCodeUnsupportedMethod,
			string(paymentDatamodel.MethodCard),
			string(paymentDatamodel.MethodPayPal),
			string(paymentDatamodel.MethodMpesa))
	validator.Field("amount", r.Amount).Positive(errors.ErrCodeInvalidAmount)
	validator.Field("order_reference", r.OrderReference).MaxLength(64)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// STKPushRequest is the M-Pesa specific initiation payload.
type STKPushRequest struct {
	PhoneNumber    string          `json:"phone_number"`
	Amount         decimal.Decimal `json:"amount"`
	OrderReference string          `json:"order_reference"`
	Description    string          `json:"description,omitempty"`
}

func (r *STKPushRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("phone_number", r.PhoneNumber).Required()
	validator.Field("amount", r.Amount).Positive(errors.ErrCodeInvalidAmount)
	validator.Field("order_reference", r.OrderReference).MaxLength(64)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *STKPushRequest) ToInitiateRequest() InitiateRequest {
	return InitiateRequest{
		PhoneNumber:    r.PhoneNumber,
		Amount:         r.Amount,
		OrderReference: r.OrderReference,
		Description:    r.Description,
	}
}

// PaymentResponse mirrors what the checkout page expects after initiation.
type PaymentResponse struct {
	Success           bool   `json:"success"`
	PaymentID         string `json:"payment_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	Message           string `json:"message"`
}

func NewPaymentResponse(result *InitiateResult) PaymentResponse {
	return PaymentResponse{
		Success:           true,
		PaymentID:         result.PaymentID,
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		Message:           result.Message,
	}
}

// MpesaPaymentView is the persisted record as shown to callers.
type MpesaPaymentView struct {
	PaymentID          string     `json:"payment_id"`
	OrderReference     string     `json:"order_reference"`
	Status             string     `json:"status"`
	Amount             string     `json:"amount"`
	Currency           string     `json:"currency"`
	PhoneNumber        string     `json:"phone_number"`
	CheckoutRequestID  string     `json:"checkout_request_id"`
	MerchantRequestID  string     `json:"merchant_request_id"`
	TransactionID      *string    `json:"transaction_id,omitempty"`
	MpesaReceiptNumber *string    `json:"mpesa_receipt_number,omitempty"`
	ResultCode         *string    `json:"result_code,omitempty"`
	ResultDesc         *string    `json:"result_desc,omitempty"`
	TransactionDate    *time.Time `json:"transaction_date,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func NewMpesaPaymentView(m *paymentDatamodel.MpesaPayment) MpesaPaymentView {
	view := MpesaPaymentView{
		PhoneNumber:        m.PhoneNumber,
		CheckoutRequestID:  m.CheckoutRequestID,
		MerchantRequestID:  m.MerchantRequestID,
		MpesaReceiptNumber: m.MpesaReceiptNumber,
		ResultCode:         m.ResultCode,
		ResultDesc:         m.ResultDesc,
		TransactionDate:    m.TransactionDate,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if p := m.Payment; p != nil {
		view.PaymentID = p.ID
		view.OrderReference = p.OrderReference
		view.Status = string(p.Status)
		view.Amount = p.Amount.StringFixed(2)
		view.Currency = p.Currency
		view.TransactionID = p.TransactionID
		view.UpdatedAt = p.UpdatedAt
	}
	return view
}

var (
	ErrPaymentNotFound = stderrors.New("payment not found")
	ErrInvalidCallback = stderrors.New("invalid stk callback")
)

// CallbackMetadata holds the named items of a successful callback. Nil means
// the item was not sent.
type CallbackMetadata struct {
	Amount             *decimal.Decimal
	MpesaReceiptNumber *string
	TransactionDate    *time.Time
	PhoneNumber        *string
}

type ParsedCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Metadata          CallbackMetadata
}

// ParseCallback decodes the gateway's callback envelope. Metadata items are
// matched by name; their order and presence are not guaranteed.
func ParseCallback(body []byte) (*ParsedCallback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var envelope paymentgatewaytypes.CallbackEnvelope
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	cb := envelope.Body.STKCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrInvalidCallback)
	}
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrInvalidCallback)
	}
	if cb.ResultCode == "" {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrInvalidCallback)
	}

	parsed := &ParsedCallback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode.String(),
		ResultDesc:        cb.ResultDesc,
	}

	if cb.CallbackMetadata != nil {
		parsed.Metadata = parseMetadata(cb.CallbackMetadata.Item)
	}

	return parsed, nil
}

func parseMetadata(items []paymentgatewaytypes.CallbackItem) CallbackMetadata {
	var md CallbackMetadata
	for _, item := range items {
		if item.Value == nil {
			continue
		}
		value, err := cast.ToStringE(item.Value)
		if err != nil || value == "" {
			continue
		}

		switch item.Name {
		case "Amount":
			if amount, err := decimal.NewFromString(value); err == nil {
				md.Amount = &amount
			}
		case "MpesaReceiptNumber":
			md.MpesaReceiptNumber = &value
		case "TransactionDate":
			if t, err := paymentgateway.ParseTimestamp(value); err == nil {
				md.TransactionDate = &t
			}
		case "PhoneNumber":
			md.PhoneNumber = &value
		}
	}
	return md
}

func (c *ParsedCallback) ResultUpdate() ResultUpdate {
	update := ResultUpdate{
		CheckoutRequestID: c.CheckoutRequestID,
		ResultCode:        c.ResultCode,
		ResultDesc:        c.ResultDesc,
	}
	if update.Succeeded() {
		update.ReceiptNumber = c.Metadata.MpesaReceiptNumber
		update.TransactionDate = c.Metadata.TransactionDate
	}
	return update
}
