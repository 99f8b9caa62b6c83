package payment_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/storefront-payments/internal"
	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/core/events"
	paymentPkg "github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/internal/paymentgateway"
)

func successCallback(checkoutRequestID, receipt string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":150.00},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20240301093000},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, checkoutRequestID, receipt))
}

func failedCallback(checkoutRequestID, code, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":%q,"ResultCode":%s,"ResultDesc":%q}}}`,
		checkoutRequestID, code, desc))
}

var verified = paymentPkg.CallbackSource{RemoteAddr: "196.201.214.200:443", Verified: true}

var _ = Describe("PaymentService", func() {
	var (
		ctx       context.Context
		repo      *mockPaymentRepository
		gateway   *mockGateway
		publisher *recordingPublisher
		service   *paymentPkg.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = newMockPaymentRepository()
		gateway = &mockGateway{pushResp: acceptedPush("ws_CO_001")}
		publisher = &recordingPublisher{}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = paymentPkg.NewService(repo, gateway, publisher, "KES", logger)
	})

	initiate := func() *paymentPkg.InitiateResult {
		result, err := service.Initiate(ctx, paymentPkg.InitiateRequest{
			PhoneNumber:    "0712345678",
			Amount:         decimal.RequireFromString("150.75"),
			OrderReference: "ORD-1001",
		})
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	Describe("Initiate", func() {
		Context("when the gateway accepts the push", func() {
			It("stores a processing payment and returns the gateway identifiers", func() {
				result := initiate()

				Expect(result.CheckoutRequestID).To(Equal("ws_CO_001"))
				Expect(result.MerchantRequestID).To(Equal("29115-34620561-1"))
				Expect(result.PaymentID).NotTo(BeEmpty())
				Expect(result.Message).To(Equal("Success. Request accepted for processing"))

				record, err := repo.GetByCheckoutRequestID(ctx, "ws_CO_001")
				Expect(err).NotTo(HaveOccurred())
				Expect(record.PhoneNumber).To(Equal("254712345678"))
				Expect(record.Payment.Status).To(Equal(paymentDatamodel.StatusProcessing))
				Expect(record.Payment.PaymentMethod).To(Equal(paymentDatamodel.MethodMpesa))
				Expect(record.Payment.Amount.Equal(decimal.RequireFromString("150.75"))).To(BeTrue())
				Expect(record.Payment.Currency).To(Equal("KES"))
			})

			It("sends normalized values to the gateway", func() {
				initiate()

				Expect(gateway.pushParams).To(HaveLen(1))
				params := gateway.pushParams[0]
				Expect(params.PhoneNumber).To(Equal("254712345678"))
				Expect(params.Amount).To(Equal(int64(150)))
				Expect(params.AccountReference).To(Equal("ORD-1001"))
				Expect(params.TransactionDesc).To(Equal("Order payment"))
			})

			It("publishes an initiated event", func() {
				initiate()
				Expect(publisher.types()).To(ConsistOf(events.EventTypePaymentInitiated))
			})

			It("generates an order reference when none is given", func() {
				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{
					PhoneNumber: "254712345678",
					Amount:      decimal.NewFromInt(10),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(gateway.pushParams[0].AccountReference).To(HavePrefix("ORD-"))
				Expect(gateway.pushParams[0].AccountReference).To(HaveLen(12))
			})
		})

		Context("when the input is invalid", func() {
			It("rejects a bad phone number without calling the gateway", func() {
				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{PhoneNumber: "123", Amount: decimal.NewFromInt(10)})
				Expect(err).To(HaveOccurred())
				appErr, ok := errors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(gateway.pushParams).To(BeEmpty())
			})

			It("rejects a non-positive amount without calling the gateway", func() {
				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.Zero})
				Expect(err).To(HaveOccurred())
				Expect(gateway.pushParams).To(BeEmpty())
			})
		})

		Context("when the gateway refuses the push", func() {
			It("stores nothing and surfaces the gateway message", func() {
				gateway.pushErr = &paymentgateway.RejectionError{Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber", StatusCode: 400}

				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(10)})
				Expect(err).To(HaveOccurred())

				appErr, ok := errors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(appErr.Code).To(Equal(errors.ErrCodeGatewayRejected))
				Expect(appErr.Message).To(Equal("Bad Request - Invalid PhoneNumber"))

				Expect(repo.count()).To(Equal(0))
				Expect(publisher.types()).To(BeEmpty())
			})

			It("reports an unavailable gateway when no token can be obtained", func() {
				gateway.pushErr = fmt.Errorf("%w: token endpoint returned status 400", paymentgateway.ErrTokenUnavailable)

				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(10)})
				appErr, ok := errors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(appErr.Code).To(Equal(errors.ErrCodeGatewayUnavailable))
				Expect(appErr.Retryable).To(BeTrue())
				Expect(repo.count()).To(Equal(0))
			})

			It("reports a timeout distinctly", func() {
				gateway.pushErr = fmt.Errorf("%w: context deadline exceeded", paymentgateway.ErrTimeout)

				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(10)})
				appErr, ok := errors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusGatewayTimeout))
				Expect(appErr.Retryable).To(BeFalse())
			})
		})

		Context("when the record cannot be stored", func() {
			It("returns an internal error", func() {
				repo.createError = stderrors.New("connection reset")

				_, err := service.Initiate(ctx, paymentPkg.InitiateRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(10)})
				appErr, ok := errors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("ProcessPayment", func() {
		It("routes mpesa payments to an STK push", func() {
			result, err := service.ProcessPayment(ctx, paymentPkg.ProcessPaymentRequest{
				PaymentMethod:  "mpesa",
				Amount:         decimal.NewFromInt(500),
				PhoneNumber:    "0712345678",
				OrderReference: "ORD-77",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CheckoutRequestID).To(Equal("ws_CO_001"))
		})

		It("rejects methods this service does not handle", func() {
			_, err := service.ProcessPayment(ctx, paymentPkg.ProcessPaymentRequest{
				PaymentMethod: "card",
				Amount:        decimal.NewFromInt(500),
			})
			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(appErr.Details.(errors.ValidationErrors).Errors[0].Code).To(Equal(string(errors.ErrCodeUnsupportedMethod)))
			Expect(gateway.pushParams).To(BeEmpty())
		})

		It("rejects unknown methods", func() {
			_, err := service.ProcessPayment(ctx, paymentPkg.ProcessPaymentRequest{
				PaymentMethod: "bitcoin",
				Amount:        decimal.NewFromInt(500),
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("HandleCallback", func() {
		BeforeEach(func() {
			initiate()
		})

		It("completes the payment on a successful callback", func() {
			outcome := service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))

			record, _ := repo.GetByCheckoutRequestID(ctx, "ws_CO_001")
			Expect(record.Payment.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(*record.Payment.TransactionID).To(Equal("NLJ7RT61SV"))
			Expect(*record.MpesaReceiptNumber).To(Equal("NLJ7RT61SV"))
			Expect(*record.ResultCode).To(Equal("0"))
			Expect(record.TransactionDate).NotTo(BeNil())

			Expect(publisher.types()).To(ContainElement(events.EventTypePaymentCompleted))
		})

		It("fails the payment on a non-zero result", func() {
			outcome := service.HandleCallback(ctx, failedCallback("ws_CO_001", "1032", "Request cancelled by user"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))

			record, _ := repo.GetByCheckoutRequestID(ctx, "ws_CO_001")
			Expect(record.Payment.Status).To(Equal(paymentDatamodel.StatusFailed))
			Expect(record.Payment.TransactionID).To(BeNil())
			Expect(*record.ResultDesc).To(Equal("Request cancelled by user"))
			Expect(publisher.types()).To(ContainElement(events.EventTypePaymentFailed))
		})

		It("ignores a repeated callback", func() {
			Expect(service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)).To(Equal(paymentPkg.OutcomeApplied))
			Expect(service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)).To(Equal(paymentPkg.OutcomeDuplicate))

			completed := 0
			for _, t := range publisher.types() {
				if t == events.EventTypePaymentCompleted {
					completed++
				}
			}
			Expect(completed).To(Equal(1))
		})

		It("never moves a completed payment to failed", func() {
			service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)
			outcome := service.HandleCallback(ctx, failedCallback("ws_CO_001", "1", "The balance is insufficient"), verified)

			Expect(outcome).To(Equal(paymentPkg.OutcomeDuplicate))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusCompleted))
		})

		It("acknowledges callbacks for unknown checkout requests without changes", func() {
			outcome := service.HandleCallback(ctx, successCallback("ws_CO_unknown", "X1"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeUnknown))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusProcessing))
		})

		It("does not apply callbacks that fail source checks", func() {
			outcome := service.HandleCallback(ctx, successCallback("ws_CO_001", "X1"),
				paymentPkg.CallbackSource{RemoteAddr: "10.0.0.1:1234", Verified: false})

			Expect(outcome).To(Equal(paymentPkg.OutcomeRejected))
			Expect(repo.applyCalls).To(Equal(0))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusProcessing))
		})

		It("logs malformed callbacks with the raw body", func() {
			outcome := service.HandleCallback(ctx, []byte("garbage"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeInvalid))

			Expect(repo.callbackLogs).To(HaveLen(1))
			var payload map[string]string
			Expect(json.Unmarshal(repo.callbackLogs[0].Payload, &payload)).To(Succeed())
			Expect(payload["raw"]).To(Equal("garbage"))
		})

		It("records every callback in the log", func() {
			service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)
			service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)

			Expect(repo.callbackLogs).To(HaveLen(2))
			Expect(repo.callbackLogs[0].Outcome).To(Equal(string(paymentPkg.OutcomeApplied)))
			Expect(repo.callbackLogs[1].Outcome).To(Equal(string(paymentPkg.OutcomeDuplicate)))
			Expect(*repo.callbackLogs[0].CheckoutRequestID).To(Equal("ws_CO_001"))
		})

		It("reports storage failures as an error outcome", func() {
			repo.applyError = stderrors.New("deadlock detected")
			outcome := service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeError))
		})
	})

	Describe("CheckStatus", func() {
		It("requires a checkout request id", func() {
			_, err := service.CheckStatus(ctx, "  ")
			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(gateway.queries()).To(Equal(0))
		})

		It("reports the gateway's answer without touching the record", func() {
			initiate()
			gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{ResultCode: "1", ResultDesc: "The balance is insufficient for the transaction"}

			result, err := service.CheckStatus(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(paymentPkg.PollStatusFailed))
			Expect(result.ResultCode).To(Equal("1"))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusProcessing))
			Expect(repo.applyCalls).To(Equal(0))
		})

		It("fills the transaction id from a completed record", func() {
			initiate()
			service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)
			gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{ResultCode: "0", ResultDesc: "ok"}

			result, err := service.CheckStatus(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(paymentPkg.PollStatusSuccess))
			Expect(*result.TransactionID).To(Equal("NLJ7RT61SV"))
		})

		It("reports gateway problems as a failed status", func() {
			gateway.queryErr = fmt.Errorf("%w: dial tcp: connection refused", paymentgateway.ErrNetwork)

			result, err := service.CheckStatus(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(paymentPkg.PollStatusFailed))
			Expect(result.ResultDesc).To(Equal("Could not reach payment gateway"))
		})

		It("reports a missing token as a failed status", func() {
			gateway.queryErr = fmt.Errorf("%w: bad credentials", paymentgateway.ErrTokenUnavailable)

			result, err := service.CheckStatus(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(paymentPkg.PollStatusFailed))
			Expect(result.ResultDesc).To(ContainSubstring("could not authenticate"))
		})
	})

	Describe("Reconcile", func() {
		BeforeEach(func() {
			initiate()
		})

		It("skips payments the gateway still reports as pending", func() {
			gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{
				ErrorResponse: paymentgatewaytypes.ErrorResponse{ErrorCode: "500.001.1001", ErrorMessage: "The transaction is being processed"},
			}
			outcome, err := service.Reconcile(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentPkg.OutcomeSkipped))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusProcessing))
		})

		It("never fails a payment on a gateway error body", func() {
			gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{
				ErrorResponse: paymentgatewaytypes.ErrorResponse{ErrorCode: "404.001.04", ErrorMessage: "Invalid Access Token"},
			}
			outcome, err := service.Reconcile(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentPkg.OutcomeSkipped))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusProcessing))
		})

		It("applies a final answer", func() {
			gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{ResultCode: "0", ResultDesc: "ok", MpesaReceiptNumber: "QWE123"}
			outcome, err := service.Reconcile(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusCompleted))
		})

		It("records the receipt from a callback that arrives after a receiptless success", func() {
			gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{ResultCode: "0", ResultDesc: "The service request is processed successfully."}
			outcome, err := service.Reconcile(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))
			Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusCompleted))

			record, err := service.GetMpesaPayment(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Payment.TransactionID).To(BeNil())

			outcome = service.HandleCallback(ctx, successCallback("ws_CO_001", "NLJ7RT61SV"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeBackfilled))

			record, err = service.GetMpesaPayment(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Payment.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(*record.Payment.TransactionID).To(Equal("NLJ7RT61SV"))
			Expect(*record.MpesaReceiptNumber).To(Equal("NLJ7RT61SV"))

			last := publisher.events[len(publisher.events)-1]
			completed, ok := last.(*events.PaymentCompletedEvent)
			Expect(ok).To(BeTrue())
			Expect(completed.TransactionID).To(Equal("NLJ7RT61SV"))

			outcome = service.HandleCallback(ctx, successCallback("ws_CO_001", "OTHER"), verified)
			Expect(outcome).To(Equal(paymentPkg.OutcomeDuplicate))
			record, _ = service.GetMpesaPayment(ctx, "ws_CO_001")
			Expect(*record.Payment.TransactionID).To(Equal("NLJ7RT61SV"))
		})

		Context("past the maximum pending age", func() {
			It("fails a payment the gateway still reports as pending", func() {
				gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{ResultCode: "1032", ResultDesc: "Request pending"}
				outcome, err := service.ReconcileExpired(ctx, "ws_CO_001")
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))
				Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusFailed))
				Expect(publisher.types()).To(ContainElement(events.EventTypePaymentFailed))
			})

			It("fails a payment the query endpoint still reports as processing", func() {
				gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{
					ErrorResponse: paymentgatewaytypes.ErrorResponse{ErrorCode: paymentPkg.ErrorCodeStillProcessing, ErrorMessage: "The transaction is being processed"},
				}
				outcome, err := service.ReconcileExpired(ctx, "ws_CO_001")
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))

				record, _ := service.GetMpesaPayment(ctx, "ws_CO_001")
				Expect(*record.ResultCode).To(Equal(paymentPkg.ErrorCodeStillProcessing))
				Expect(*record.ResultDesc).To(Equal("no final result before expiry: The transaction is being processed"))
			})

			It("still completes a payment the gateway reports as paid", func() {
				gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{ResultCode: "0", ResultDesc: "ok", MpesaReceiptNumber: "QWE123"}
				outcome, err := service.ReconcileExpired(ctx, "ws_CO_001")
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.OutcomeApplied))
				Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusCompleted))
			})

			It("keeps skipping other gateway error bodies", func() {
				gateway.queryResp = &paymentgatewaytypes.STKQueryResponse{
					ErrorResponse: paymentgatewaytypes.ErrorResponse{ErrorCode: "404.001.04", ErrorMessage: "Invalid Access Token"},
				}
				outcome, err := service.ReconcileExpired(ctx, "ws_CO_001")
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.OutcomeSkipped))
				Expect(repo.statusOf("ws_CO_001")).To(Equal(paymentDatamodel.StatusProcessing))
			})
		})

		It("returns transport errors to the caller", func() {
			gateway.queryErr = fmt.Errorf("%w: i/o timeout", paymentgateway.ErrTimeout)
			outcome, err := service.Reconcile(ctx, "ws_CO_001")
			Expect(err).To(HaveOccurred())
			Expect(outcome).To(Equal(paymentPkg.OutcomeError))
		})
	})

	Describe("GetMpesaPayment", func() {
		It("returns not found for unknown checkout requests", func() {
			_, err := service.GetMpesaPayment(ctx, "ws_missing")
			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusNotFound))
			Expect(appErr.Code).To(Equal(errors.ErrCodePaymentNotFound))
		})

		It("returns the stored record", func() {
			initiate()
			record, err := service.GetMpesaPayment(ctx, "ws_CO_001")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Payment.OrderReference).To(Equal("ORD-1001"))
		})
	})
})
