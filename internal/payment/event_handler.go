package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/storefront-payments/internal/core/events"
)

// OrderNotifier relays payment transitions to the order service. The order
// service is external, so the transition is logged for it to pick up.
type OrderNotifier interface {
	PaymentSettled(ctx context.Context, orderReference, paymentID, status, transactionID string) error
}

// LogOrderNotifier is the default notifier.
type LogOrderNotifier struct {
	logger *slog.Logger
}

func NewLogOrderNotifier(logger *slog.Logger) *LogOrderNotifier {
	return &LogOrderNotifier{logger: logger}
}

func (n *LogOrderNotifier) PaymentSettled(ctx context.Context, orderReference, paymentID, status, transactionID string) error {
	n.logger.Info("order payment settled",
		"order_reference", orderReference,
		"payment_id", paymentID,
		"status", status,
		"transaction_id", transactionID)
	return nil
}

type EventHandler struct {
	notifier OrderNotifier
	logger   *slog.Logger
}

func NewEventHandler(notifier OrderNotifier, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		notifier: notifier,
		logger:   logger,
	}
}

func (h *EventHandler) HandlePaymentInitiated(ctx context.Context, event events.Event) error {
	initiated, ok := event.(*events.PaymentInitiatedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentInitiatedEvent, got %T", event)
	}

	h.logger.Info("awaiting mpesa confirmation",
		"payment_id", initiated.PaymentID,
		"order_reference", initiated.OrderReference,
		"checkout_request_id", initiated.CheckoutRequestID,
		"event_id", initiated.EventID())
	return nil
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}

	if err := h.notifier.PaymentSettled(ctx, completed.OrderReference, completed.PaymentID, "completed", completed.TransactionID); err != nil {
		return fmt.Errorf("notify order %s: %w", completed.OrderReference, err)
	}
	return nil
}

func (h *EventHandler) HandlePaymentFailed(ctx context.Context, event events.Event) error {
	failed, ok := event.(*events.PaymentFailedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentFailedEvent, got %T", event)
	}

	h.logger.Info("mpesa payment failed",
		"payment_id", failed.PaymentID,
		"result_code", failed.ResultCode,
		"reason", failed.FailureReason)

	if err := h.notifier.PaymentSettled(ctx, failed.OrderReference, failed.PaymentID, "failed", ""); err != nil {
		return fmt.Errorf("notify order %s: %w", failed.OrderReference, err)
	}
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentInitiated, h.HandlePaymentInitiated)
	eventBus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	eventBus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentFailed)

	h.logger.Info("payment event handlers registered",
		"handlers", []string{
			events.EventTypePaymentInitiated,
			events.EventTypePaymentCompleted,
			events.EventTypePaymentFailed,
		})
}
