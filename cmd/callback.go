package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

var callbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Gateway callback tooling",
}

var simulateCallbackCmd = &cobra.Command{
	Use:   "simulate",
	Short: "POST a gateway-shaped STK callback to a running server",
	Long:  `Build an M-Pesa STK callback for the given checkout request and send it to the callback endpoint, the way the gateway would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulateCallback(cmd.Context())
	},
}

var (
	simURL               string
	simCheckoutRequestID string
	simMerchantRequestID string
	simResultCode        string
	simResultDesc        string
	simReceipt           string
	simAmount            string
	simPhone             string
	simSecret            string
)

func simulateCallback(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lg := logger.L()

	amount, err := decimal.NewFromString(simAmount)
	if err != nil {
		return fmt.Errorf("invalid --amount %q: %w", simAmount, err)
	}

	receipt := simReceipt
	if receipt == "" && simResultCode == payment.ResultCodeSuccess {
		receipt = "SIM" + uuid.NewString()[:7]
	}
	merchantRequestID := simMerchantRequestID
	if merchantRequestID == "" {
		merchantRequestID = uuid.NewString()
	}

	envelope := payment.SimulatedCallback{
		MerchantRequestID: merchantRequestID,
		CheckoutRequestID: simCheckoutRequestID,
		ResultCode:        simResultCode,
		ResultDesc:        simResultDesc,
		ReceiptNumber:     receipt,
		Amount:            amount,
		PhoneNumber:       simPhone,
		TransactionDate:   time.Now(),
	}.Envelope()

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, simURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if simSecret != "" {
		req.Header.Set(payment.WebhookSecretHeader, simSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send callback: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	lg.Info("callback delivered",
		"url", simURL,
		"checkout_request_id", simCheckoutRequestID,
		"result_code", simResultCode,
		"status", resp.StatusCode,
		"response", string(respBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback endpoint answered %d", resp.StatusCode)
	}
	return nil
}

func init() {
	flags := simulateCallbackCmd.Flags()
	flags.StringVar(&simURL, "url", "http://localhost:8080/webhooks/mpesa", "callback endpoint")
	flags.StringVar(&simCheckoutRequestID, "checkout-request-id", "", "CheckoutRequestID returned by the STK push")
	flags.StringVar(&simMerchantRequestID, "merchant-request-id", "", "MerchantRequestID (random when empty)")
	flags.StringVar(&simResultCode, "result-code", payment.ResultCodeSuccess, "gateway ResultCode, 0 for success")
	flags.StringVar(&simResultDesc, "result-desc", "", "gateway ResultDesc")
	flags.StringVar(&simReceipt, "receipt", "", "MpesaReceiptNumber for successful callbacks (random when empty)")
	flags.StringVar(&simAmount, "amount", "1", "amount paid")
	flags.StringVar(&simPhone, "phone", "254708374149", "payer phone number")
	flags.StringVar(&simSecret, "secret", "", "webhook shared secret, sent as "+payment.WebhookSecretHeader)
	_ = simulateCallbackCmd.MarkFlagRequired("checkout-request-id")

	callbackCmd.AddCommand(simulateCallbackCmd)
	rootCmd.AddCommand(callbackCmd)
}
