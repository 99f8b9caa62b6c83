package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/storefront-payments/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) payment.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) CreateWithMpesa(ctx context.Context, p *paymentDatamodel.Payment, m *paymentDatamodel.MpesaPayment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		m.PaymentID = p.ID
		if err := tx.Omit("Payment").Create(m).Error; err != nil {
			return err
		}
		m.Payment = p
		return nil
	})
}

func (r *PaymentRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*paymentDatamodel.MpesaPayment, error) {
	var m paymentDatamodel.MpesaPayment
	err := r.db.WithContext(ctx).
		Preload("Payment").
		Where("checkout_request_id = ?", checkoutRequestID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payment.ErrPaymentNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ApplyResult locks the payment row and only updates it while it is still
// processing, so concurrent duplicates produce a single transition.
func (r *PaymentRepository) ApplyResult(ctx context.Context, update payment.ResultUpdate) (*payment.TransitionResult, error) {
	result := &payment.TransitionResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m paymentDatamodel.MpesaPayment
		if err := tx.Where("checkout_request_id = ?", update.CheckoutRequestID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result.Outcome = payment.OutcomeUnknown
				return nil
			}
			return err
		}

		var p paymentDatamodel.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", m.PaymentID).
			First(&p).Error; err != nil {
			return err
		}

		result.PreviousStatus = p.Status
		result.Payment = &p

		target := update.TargetStatus()
		if !payment.CanTransition(p.Status, target) {
			result.Outcome = payment.OutcomeDuplicate
			if payment.NeedsReceiptBackfill(&p, update) {
				backfilled, err := r.backfillReceipt(tx, &p, m.ID, update)
				if err != nil {
					return err
				}
				if backfilled {
					result.Outcome = payment.OutcomeBackfilled
				}
			}
			return nil
		}

		now := time.Now()
		paymentUpdates := map[string]interface{}{
			"status":     string(target),
			"updated_at": now,
		}
		mpesaUpdates := map[string]interface{}{
			"result_code": update.ResultCode,
			"result_desc": update.ResultDesc,
			"updated_at":  now,
		}
		if update.Succeeded() {
			if update.ReceiptNumber != nil {
				paymentUpdates["transaction_id"] = *update.ReceiptNumber
				mpesaUpdates["mpesa_receipt_number"] = *update.ReceiptNumber
			}
			if update.TransactionDate != nil {
				mpesaUpdates["transaction_date"] = *update.TransactionDate
			}
		}

		res := tx.Model(&paymentDatamodel.Payment{}).
			Where("id = ? AND status = ?", p.ID, string(paymentDatamodel.StatusProcessing)).
			Updates(paymentUpdates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result.Outcome = payment.OutcomeDuplicate
			return nil
		}

		if err := tx.Model(&paymentDatamodel.MpesaPayment{}).
			Where("id = ?", m.ID).
			Updates(mpesaUpdates).Error; err != nil {
			return err
		}

		if err := tx.Where("id = ?", p.ID).First(&p).Error; err != nil {
			return err
		}

		result.Outcome = payment.OutcomeApplied
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// backfillReceipt records the receipt on a payment that was completed without
// one. Only a NULL transaction_id is overwritten.
func (r *PaymentRepository) backfillReceipt(tx *gorm.DB, p *paymentDatamodel.Payment, mpesaID int64, update payment.ResultUpdate) (bool, error) {
	now := time.Now()
	res := tx.Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND status = ? AND transaction_id IS NULL", p.ID, string(paymentDatamodel.StatusCompleted)).
		Updates(map[string]interface{}{
			"transaction_id": *update.ReceiptNumber,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	mpesaUpdates := map[string]interface{}{
		"mpesa_receipt_number": *update.ReceiptNumber,
		"result_code":          update.ResultCode,
		"result_desc":          update.ResultDesc,
		"updated_at":           now,
	}
	if update.TransactionDate != nil {
		mpesaUpdates["transaction_date"] = *update.TransactionDate
	}
	if err := tx.Model(&paymentDatamodel.MpesaPayment{}).
		Where("id = ?", mpesaID).
		Updates(mpesaUpdates).Error; err != nil {
		return false, err
	}

	if err := tx.Where("id = ?", p.ID).First(p).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (r *PaymentRepository) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*paymentDatamodel.MpesaPayment, error) {
	var records []*paymentDatamodel.MpesaPayment
	err := r.db.WithContext(ctx).
		Joins("JOIN payments ON payments.id = mpesa_payments.payment_id").
		Where("payments.status = ? AND mpesa_payments.created_at < ?", string(paymentDatamodel.StatusProcessing), olderThan).
		Order("mpesa_payments.created_at ASC").
		Limit(limit).
		Preload("Payment").
		Find(&records).Error
	return records, err
}

func (r *PaymentRepository) SaveCallbackLog(ctx context.Context, entry *paymentDatamodel.CallbackLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}
