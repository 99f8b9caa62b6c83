package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type Method string

const (
	MethodCard   Method = "card"
	MethodPayPal Method = "paypal"
	MethodMpesa  Method = "mpesa"
)

// Payment is the method-agnostic record linked to a storefront order.
type Payment struct {
	ID             string          `gorm:"column:id;type:uuid;primaryKey"`
	OrderReference string          `gorm:"column:order_reference;not null;index"`
	PaymentMethod  Method          `gorm:"column:payment_method;not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency       string          `gorm:"column:currency;not null;default:KES"`
	Status         Status          `gorm:"column:status;not null;index"`
	TransactionID  *string         `gorm:"column:transaction_id"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// MpesaPayment carries the STK push identifiers and the callback outcome.
type MpesaPayment struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement"`
	PaymentID          string     `gorm:"column:payment_id;type:uuid;not null;uniqueIndex"`
	Payment            *Payment   `gorm:"foreignKey:PaymentID;references:ID;constraint:OnDelete:CASCADE"`
	PhoneNumber        string     `gorm:"column:phone_number;not null"`
	CheckoutRequestID  string     `gorm:"column:checkout_request_id;not null;uniqueIndex"`
	MerchantRequestID  string     `gorm:"column:merchant_request_id;not null"`
	MpesaReceiptNumber *string    `gorm:"column:mpesa_receipt_number"`
	ResultCode         *string    `gorm:"column:result_code"`
	ResultDesc         *string    `gorm:"column:result_desc"`
	TransactionDate    *time.Time `gorm:"column:transaction_date"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (MpesaPayment) TableName() string {
	return "mpesa_payments"
}

// CallbackLog is the append-only audit trail of every callback received.
type CallbackLog struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	CheckoutRequestID *string        `gorm:"column:checkout_request_id;index"`
	ResultCode        *string        `gorm:"column:result_code"`
	Outcome           string         `gorm:"column:outcome;not null"`
	RemoteAddr        string         `gorm:"column:remote_addr"`
	Payload           datatypes.JSON `gorm:"column:payload"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (CallbackLog) TableName() string {
	return "mpesa_callback_logs"
}
