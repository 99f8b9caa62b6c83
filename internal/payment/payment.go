package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/storefront-payments/internal"
	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
)

const (
	// ResultCodeSuccess is the gateway's "paid" code.
	ResultCodeSuccess = "0"
	// ResultCodePending is reported while the customer has not answered the prompt.
	ResultCodePending = "1032"
	// ErrorCodeStillProcessing is the query endpoint's "transaction is being processed" error.
	ErrorCodeStillProcessing = "500.001.1001"
	// ResultCodeExpired is recorded when reconciliation gives up on a push that
	// never left the pending state.
	ResultCodeExpired = "EXPIRED"

	countryCode = "254"

	maxAccountReferenceLen = 12
	maxTransactionDescLen  = 13
	defaultTransactionDesc = "Order payment"
)

// Logical states reported by the status poller.
const (
	PollStatusSuccess = "success"
	PollStatusPending = "pending"
	PollStatusFailed  = "failed"
)

// NormalizePhoneNumber converts a Kenyan mobile number to the 2547XXXXXXXX
// form the gateway accepts.
func NormalizePhoneNumber(raw string) (string, error) {
	phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if phone == "" {
		return "", errors.NewValidationFieldError("phone_number", "phone_number is required", errors.ErrCodeInvalidPhoneNumber)
	}

	switch {
	case strings.HasPrefix(phone, "+"+countryCode):
		phone = phone[1:]
	case strings.HasPrefix(phone, countryCode) && len(phone) == 12:
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		phone = countryCode + phone[1:]
	case len(phone) == 9:
		phone = countryCode + phone
	}

	if len(phone) != 12 || !strings.HasPrefix(phone, countryCode) || !isDigits(phone) {
		return "", errors.NewValidationFieldError("phone_number", "phone_number must be a valid Kenyan mobile number", errors.ErrCodeInvalidPhoneNumber)
	}
	return phone, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GatewayAmount truncates amount to whole units. The gateway rejects
// fractional shillings, so 150.75 is sent as 150.
func GatewayAmount(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, errors.NewValidationFieldError("amount", "amount must be greater than 0", errors.ErrCodeInvalidAmount)
	}
	units := amount.Truncate(0).IntPart()
	if units < 1 {
		return 0, errors.NewValidationFieldError("amount", "amount must be at least 1 after dropping fractional units", errors.ErrCodeInvalidAmount)
	}
	return units, nil
}

// AccountReference fits an order reference into the gateway's field limit.
func AccountReference(orderReference string) string {
	return truncate(orderReference, maxAccountReferenceLen)
}

// TransactionDesc fits a description into the gateway's field limit.
func TransactionDesc(description string) string {
	if strings.TrimSpace(description) == "" {
		description = defaultTransactionDesc
	}
	return truncate(description, maxTransactionDescLen)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// IsTerminal reports whether no further transitions are allowed.
func IsTerminal(status paymentDatamodel.Status) bool {
	switch status {
	case paymentDatamodel.StatusCompleted, paymentDatamodel.StatusFailed, paymentDatamodel.StatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the payment state machine.
func CanTransition(from, to paymentDatamodel.Status) bool {
	switch from {
	case paymentDatamodel.StatusPending:
		return to == paymentDatamodel.StatusProcessing || to == paymentDatamodel.StatusCancelled
	case paymentDatamodel.StatusProcessing:
		return to == paymentDatamodel.StatusCompleted || to == paymentDatamodel.StatusFailed
	}
	return false
}

// ResultUpdate is a terminal gateway outcome for one checkout request,
// delivered by a callback or by reconciliation.
type ResultUpdate struct {
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	ReceiptNumber     *string
	TransactionDate   *time.Time
}

func (u ResultUpdate) Succeeded() bool {
	return u.ResultCode == ResultCodeSuccess
}

func (u ResultUpdate) TargetStatus() paymentDatamodel.Status {
	if u.Succeeded() {
		return paymentDatamodel.StatusCompleted
	}
	return paymentDatamodel.StatusFailed
}

// Outcome describes what happened to a callback or reconciliation attempt.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeRejected  Outcome = "rejected"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
	// OutcomeSkipped is used by reconciliation when the gateway has no final answer yet.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeBackfilled means a duplicate success supplied the receipt that the
	// first completion lacked. Status is unchanged.
	OutcomeBackfilled Outcome = "backfilled"
)

// NeedsReceiptBackfill reports whether update carries a receipt for a payment
// that completed without one, as happens when reconciliation settles a push
// before its callback arrives.
func NeedsReceiptBackfill(p *paymentDatamodel.Payment, update ResultUpdate) bool {
	return p.Status == paymentDatamodel.StatusCompleted &&
		p.TransactionID == nil &&
		update.Succeeded() &&
		update.ReceiptNumber != nil &&
		*update.ReceiptNumber != ""
}

// TransitionResult is what the repository reports after ApplyResult.
type TransitionResult struct {
	Outcome        Outcome
	Payment        *paymentDatamodel.Payment
	PreviousStatus paymentDatamodel.Status
}

// StatusResult is the poller's answer.
type StatusResult struct {
	Status        string  `json:"status"`
	ResultCode    string  `json:"result_code"`
	ResultDesc    string  `json:"result_desc"`
	TransactionID *string `json:"transaction_id"`
}

// MapQueryResult translates an STK query response into a logical state.
func MapQueryResult(resp *paymentgatewaytypes.STKQueryResponse) StatusResult {
	if resp.ErrorCode != "" {
		result := StatusResult{
			Status:     PollStatusFailed,
			ResultCode: resp.ErrorCode,
			ResultDesc: resp.ErrorMessage,
		}
		if resp.ErrorCode == ErrorCodeStillProcessing {
			result.Status = PollStatusPending
		}
		return result
	}

	code := resp.ResultCode.String()
	result := StatusResult{
		ResultCode: code,
		ResultDesc: resp.ResultDesc,
	}
	switch code {
	case ResultCodeSuccess:
		result.Status = PollStatusSuccess
		if resp.MpesaReceiptNumber != "" {
			receipt := resp.MpesaReceiptNumber
			result.TransactionID = &receipt
		}
	case ResultCodePending, "":
		result.Status = PollStatusPending
		if result.ResultDesc == "" {
			result.ResultDesc = resp.ResponseDescription
		}
	default:
		result.Status = PollStatusFailed
	}
	return result
}

// FailedStatus is the poller's degraded answer when the gateway cannot be asked.
func FailedStatus(desc string) StatusResult {
	return StatusResult{
		Status:     PollStatusFailed,
		ResultDesc: desc,
	}
}
