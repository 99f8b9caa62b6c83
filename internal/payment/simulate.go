package payment

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/paymentgateway"
)

// SimulatedCallback describes a gateway callback for local testing of the
// callback endpoint.
type SimulatedCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	ReceiptNumber     string
	Amount            decimal.Decimal
	PhoneNumber       string
	TransactionDate   time.Time
}

// Envelope renders the callback in the gateway's wire shape. Metadata is only
// attached to successful results, as the gateway does.
func (c SimulatedCallback) Envelope() paymentgatewaytypes.CallbackEnvelope {
	desc := c.ResultDesc
	if desc == "" {
		if c.ResultCode == ResultCodeSuccess {
			desc = "The service request is processed successfully."
		} else {
			desc = "Request cancelled by user"
		}
	}

	cb := &paymentgatewaytypes.STKCallback{
		MerchantRequestID: c.MerchantRequestID,
		CheckoutRequestID: c.CheckoutRequestID,
		ResultCode:        paymentgatewaytypes.FlexString(c.ResultCode),
		ResultDesc:        desc,
	}

	if c.ResultCode == ResultCodeSuccess {
		date := c.TransactionDate
		if date.IsZero() {
			date = time.Now()
		}
		amount, _ := c.Amount.Float64()

		items := []paymentgatewaytypes.CallbackItem{
			{Name: "Amount", Value: amount},
			{Name: "MpesaReceiptNumber", Value: c.ReceiptNumber},
			{Name: "TransactionDate", Value: cast.ToInt64(paymentgateway.Timestamp(date))},
		}
		if phone, err := NormalizePhoneNumber(c.PhoneNumber); err == nil {
			items = append(items, paymentgatewaytypes.CallbackItem{Name: "PhoneNumber", Value: cast.ToInt64(phone)})
		}
		cb.CallbackMetadata = &paymentgatewaytypes.CallbackMetadata{Item: items}
	}

	return paymentgatewaytypes.CallbackEnvelope{
		Body: paymentgatewaytypes.CallbackBody{STKCallback: cb},
	}
}
