package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentInitiated = "payment.initiated"
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
)

type PaymentInitiatedEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	OrderReference    string `json:"order_reference"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
}

func NewPaymentInitiatedEvent(paymentID, orderReference, checkoutRequestID, amount, currency string) *PaymentInitiatedEvent {
	return &PaymentInitiatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentInitiated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":          paymentID,
				"order_reference":     orderReference,
				"checkout_request_id": checkoutRequestID,
				"amount":              amount,
				"currency":            currency,
			},
		},
		PaymentID:         paymentID,
		OrderReference:    orderReference,
		CheckoutRequestID: checkoutRequestID,
		Amount:            amount,
		Currency:          currency,
	}
}

type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	OrderReference    string `json:"order_reference"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Amount            string `json:"amount"`
	TransactionID     string `json:"transaction_id"`
}

func NewPaymentCompletedEvent(paymentID, orderReference, checkoutRequestID, amount, transactionID string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":          paymentID,
				"order_reference":     orderReference,
				"checkout_request_id": checkoutRequestID,
				"amount":              amount,
				"transaction_id":      transactionID,
			},
		},
		PaymentID:         paymentID,
		OrderReference:    orderReference,
		CheckoutRequestID: checkoutRequestID,
		Amount:            amount,
		TransactionID:     transactionID,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	OrderReference    string `json:"order_reference"`
	CheckoutRequestID string `json:"checkout_request_id"`
	ResultCode        string `json:"result_code"`
	FailureReason     string `json:"failure_reason"`
}

func NewPaymentFailedEvent(paymentID, orderReference, checkoutRequestID, resultCode, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":          paymentID,
				"order_reference":     orderReference,
				"checkout_request_id": checkoutRequestID,
				"result_code":         resultCode,
				"failure_reason":      failureReason,
			},
		},
		PaymentID:         paymentID,
		OrderReference:    orderReference,
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		FailureReason:     failureReason,
	}
}
