package paymentgateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/paymentgateway"
)

type darajaStub struct {
	server      *httptest.Server
	tokenCalls  atomic.Int32
	tokenStatus int
	authHeader  atomic.Value
	lastPush    atomic.Value

	pushStatus int
	pushBody   string
	queryBody  string
	querySt    int
	delay      time.Duration
}

func newDarajaStub() *darajaStub {
	stub := &darajaStub{
		tokenStatus: http.StatusOK,
		pushStatus:  http.StatusOK,
		pushBody: `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
			"ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing",
			"CustomerMessage":"Success. Request accepted for processing"}`,
		querySt: http.StatusOK,
		queryBody: `{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully",
			"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
			"ResultCode":"0","ResultDesc":"The service request is processed successfully."}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		stub.tokenCalls.Add(1)
		stub.authHeader.Store(r.Header.Get("Authorization"))
		if stub.tokenStatus != http.StatusOK {
			w.WriteHeader(stub.tokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"token-123","expires_in":"3599"}`)
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		if stub.delay > 0 {
			select {
			case <-time.After(stub.delay):
			case <-r.Context().Done():
				return
			}
		}
		body, _ := io.ReadAll(r.Body)
		stub.lastPush.Store(body)
		w.WriteHeader(stub.pushStatus)
		_, _ = io.WriteString(w, stub.pushBody)
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(stub.querySt)
		_, _ = io.WriteString(w, stub.queryBody)
	})

	stub.server = httptest.NewServer(mux)
	return stub
}

func (s *darajaStub) pushed() paymentgatewaytypes.STKPushRequest {
	var req paymentgatewaytypes.STKPushRequest
	raw, _ := s.lastPush.Load().([]byte)
	Expect(json.Unmarshal(raw, &req)).To(Succeed())
	return req
}

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		stub   *darajaStub
		config paymentgateway.Config
		logger *slog.Logger
		params paymentgateway.STKPushParams
	)

	BeforeEach(func() {
		ctx = context.Background()
		stub = newDarajaStub()
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		config = paymentgateway.Config{
			BaseURL:        stub.server.URL,
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			ShortCode:      "174379",
			PassKey:        "passkey",
			CallbackURL:    "https://shop.example.com/webhooks/mpesa",
			RequestTimeout: 2 * time.Second,
			TokenTimeout:   2 * time.Second,
		}
		params = paymentgateway.STKPushParams{
			PhoneNumber:      "254712345678",
			Amount:           150,
			AccountReference: "ORD-1001",
			TransactionDesc:  "Order payment",
		}
	})

	AfterEach(func() {
		stub.server.Close()
	})

	Describe("Timestamp and Password", func() {
		It("formats timestamps in East Africa Time", func() {
			t := time.Date(2024, 3, 1, 6, 30, 15, 0, time.UTC)
			Expect(paymentgateway.Timestamp(t)).To(Equal("20240301093015"))
		})

		It("parses gateway timestamps back to the same instant", func() {
			parsed, err := paymentgateway.ParseTimestamp("20240301093015")
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed.Equal(time.Date(2024, 3, 1, 6, 30, 15, 0, time.UTC))).To(BeTrue())
		})

		It("encodes shortcode, passkey and timestamp", func() {
			password := paymentgateway.Password("174379", "passkey", "20240301093015")
			decoded, err := base64.StdEncoding.DecodeString(password)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(decoded)).To(Equal("174379passkey20240301093015"))
		})
	})

	Describe("FetchToken", func() {
		It("authenticates with basic credentials", func() {
			client := paymentgateway.NewClient(config, logger)

			token, err := client.FetchToken(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(token.AccessToken).To(Equal("token-123"))
			Expect(token.ExpiresIn.String()).To(Equal("3599"))

			expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("key:secret"))
			Expect(stub.authHeader.Load()).To(Equal(expected))
		})

		It("reports ErrTokenUnavailable when the grant is refused", func() {
			stub.tokenStatus = http.StatusBadRequest
			client := paymentgateway.NewClient(config, logger)

			_, err := client.STKPush(ctx, params)
			Expect(err).To(MatchError(paymentgateway.ErrTokenUnavailable))
			Expect(stub.lastPush.Load()).To(BeNil())
		})
	})

	Describe("STKPush", func() {
		It("sends a signed request and returns the gateway identifiers", func() {
			client := paymentgateway.NewClient(config, logger)

			resp, err := client.STKPush(ctx, params)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.CheckoutRequestID).To(Equal("ws_CO_191220191020363925"))
			Expect(resp.MerchantRequestID).To(Equal("29115-34620561-1"))

			sent := stub.pushed()
			Expect(sent.BusinessShortCode).To(Equal("174379"))
			Expect(sent.PartyB).To(Equal("174379"))
			Expect(sent.PartyA).To(Equal("254712345678"))
			Expect(sent.PhoneNumber).To(Equal("254712345678"))
			Expect(sent.Amount).To(Equal(int64(150)))
			Expect(sent.TransactionType).To(Equal("CustomerPayBillOnline"))
			Expect(sent.CallBackURL).To(Equal("https://shop.example.com/webhooks/mpesa"))
			Expect(sent.Timestamp).To(HaveLen(14))
			Expect(sent.Password).To(Equal(paymentgateway.Password("174379", "passkey", sent.Timestamp)))
		})

		It("fetches a token per request by default", func() {
			client := paymentgateway.NewClient(config, logger)

			_, err := client.STKPush(ctx, params)
			Expect(err).ToNot(HaveOccurred())
			_, err = client.STKPush(ctx, params)
			Expect(err).ToNot(HaveOccurred())

			Expect(stub.tokenCalls.Load()).To(Equal(int32(2)))
		})

		It("treats a non-zero response code as a rejection", func() {
			stub.pushBody = `{"MerchantRequestID":"m","CheckoutRequestID":"c","ResponseCode":"1","ResponseDescription":"Rejected"}`
			client := paymentgateway.NewClient(config, logger)

			_, err := client.STKPush(ctx, params)
			var rejection *paymentgateway.RejectionError
			Expect(err).To(BeAssignableToTypeOf(rejection))
			rejection = err.(*paymentgateway.RejectionError)
			Expect(rejection.Code).To(Equal("1"))
			Expect(rejection.Message).To(Equal("Rejected"))
		})

		It("surfaces the gateway error message on non-2xx answers", func() {
			stub.pushStatus = http.StatusBadRequest
			stub.pushBody = `{"requestId":"11728-2929992-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`
			client := paymentgateway.NewClient(config, logger)

			_, err := client.STKPush(ctx, params)
			Expect(err).To(HaveOccurred())
			rejection, ok := err.(*paymentgateway.RejectionError)
			Expect(ok).To(BeTrue())
			Expect(rejection.Code).To(Equal("400.002.02"))
			Expect(rejection.Message).To(Equal("Bad Request - Invalid PhoneNumber"))
			Expect(rejection.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("reports ErrTimeout when the gateway is too slow", func() {
			stub.delay = time.Second
			config.RequestTimeout = 50 * time.Millisecond
			client := paymentgateway.NewClient(config, logger)

			_, err := client.STKPush(ctx, params)
			Expect(err).To(MatchError(paymentgateway.ErrTimeout))
		})

		It("reports ErrTokenUnavailable when the gateway is unreachable", func() {
			client := paymentgateway.NewClient(config, logger)
			stub.server.Close()

			_, err := client.FetchToken(ctx)
			Expect(err).To(MatchError(paymentgateway.ErrTokenUnavailable))

			config.CacheToken = true
			cached := paymentgateway.NewClient(config, logger)
			_, err = cached.STKPush(ctx, params)
			Expect(err).To(MatchError(paymentgateway.ErrTokenUnavailable))
		})
	})

	Describe("token caching", func() {
		BeforeEach(func() {
			config.CacheToken = true
			config.TokenRefreshMargin = time.Minute
		})

		It("reuses the cached token", func() {
			client := paymentgateway.NewClient(config, logger)

			for i := 0; i < 3; i++ {
				_, err := client.STKPush(ctx, params)
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(stub.tokenCalls.Load()).To(Equal(int32(1)))
		})

		It("drops the token after a 401", func() {
			client := paymentgateway.NewClient(config, logger)

			stub.pushStatus = http.StatusUnauthorized
			stub.pushBody = `{"requestId":"r","errorCode":"404.001.04","errorMessage":"Invalid Access Token"}`
			_, err := client.STKPush(ctx, params)
			Expect(err).To(HaveOccurred())

			stub.pushStatus = http.StatusOK
			stub.pushBody = `{"MerchantRequestID":"m","CheckoutRequestID":"c","ResponseCode":"0"}`
			_, err = client.STKPush(ctx, params)
			Expect(err).ToNot(HaveOccurred())

			Expect(stub.tokenCalls.Load()).To(Equal(int32(2)))
		})
	})

	Describe("QuerySTKStatus", func() {
		It("returns the result code of a settled push", func() {
			client := paymentgateway.NewClient(config, logger)

			resp, err := client.QuerySTKStatus(ctx, "ws_CO_191220191020363925")
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.ResultCode.String()).To(Equal("0"))
			Expect(resp.ResultDesc).To(Equal("The service request is processed successfully."))
		})

		It("returns gateway error bodies as responses", func() {
			stub.querySt = http.StatusInternalServerError
			stub.queryBody = `{"requestId":"r","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`
			client := paymentgateway.NewClient(config, logger)

			resp, err := client.QuerySTKStatus(ctx, "ws_CO_1")
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.ErrorCode).To(Equal("500.001.1001"))
			Expect(resp.ErrorMessage).To(Equal("The transaction is being processed"))
		})

		It("rejects non-2xx answers without an error code", func() {
			stub.querySt = http.StatusBadGateway
			stub.queryBody = ``
			client := paymentgateway.NewClient(config, logger)

			_, err := client.QuerySTKStatus(ctx, "ws_CO_1")
			rejection, ok := err.(*paymentgateway.RejectionError)
			Expect(ok).To(BeTrue())
			Expect(rejection.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})
})
