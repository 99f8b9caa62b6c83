package paymentgateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
)

const (
	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	timestampLayout = "20060102150405"
)

// GatewayLocation is the timezone Daraja expects timestamps in (EAT, UTC+3).
var GatewayLocation = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	CallbackURL        string
	TransactionType    string
	RequestTimeout     time.Duration
	TokenTimeout       time.Duration
	CacheToken         bool
	TokenRefreshMargin time.Duration
	HTTPClient         *http.Client
}

// STKPushParams are the per-payment values of an STK push. Amount is already
// in whole shillings.
type STKPushParams struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	TransactionDesc  string
}

// Client talks to the Daraja API.
type Client struct {
	config     Config
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(config Config, logger *slog.Logger) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.TokenTimeout <= 0 {
		config.TokenTimeout = 30 * time.Second
	}
	if config.TransactionType == "" {
		config.TransactionType = "CustomerPayBillOnline"
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}

	if config.CacheToken {
		client.tokens = NewCachedTokenSource(client.FetchToken, config.TokenRefreshMargin)
	} else {
		client.tokens = NewPerRequestTokenSource(client.FetchToken)
	}

	return client
}

// Timestamp formats t the way the gateway signs requests.
func Timestamp(t time.Time) string {
	return t.In(GatewayLocation).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// ParseTimestamp reads a YYYYMMDDHHmmss value in the gateway's timezone.
func ParseTimestamp(value string) (time.Time, error) {
	return time.ParseInLocation(timestampLayout, value, GatewayLocation)
}

// FetchToken performs the client-credentials grant.
func (c *Client) FetchToken(ctx context.Context) (*paymentgatewaytypes.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.TokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+tokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create token request: %v", ErrTokenUnavailable, err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(c.config.ConsumerKey + ":" + c.config.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("mpesa token request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("mpesa token request rejected", "status_code", resp.StatusCode)
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrTokenUnavailable, resp.StatusCode)
	}

	var tokenResp paymentgatewaytypes.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode token response: %v", ErrTokenUnavailable, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access_token", ErrTokenUnavailable)
	}

	return &tokenResp, nil
}

// STKPush asks the gateway to prompt the customer's handset. A nil error
// means the gateway accepted the request (ResponseCode "0").
func (c *Client) STKPush(ctx context.Context, params STKPushParams) (*paymentgatewaytypes.STKPushResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now())
	payload := paymentgatewaytypes.STKPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          Password(c.config.ShortCode, c.config.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.config.TransactionType,
		Amount:            params.Amount,
		PartyA:            params.PhoneNumber,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       params.PhoneNumber,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  params.AccountReference,
		TransactionDesc:   params.TransactionDesc,
	}

	c.logger.Info("mpesa: sending stk push",
		"amount", params.Amount,
		"account_reference", params.AccountReference)

	status, body, err := c.post(ctx, token, stkPushPath, payload)
	if err != nil {
		return nil, err
	}

	var pushResp paymentgatewaytypes.STKPushResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &pushResp); err != nil {
			return nil, &RejectionError{
				Message:    fmt.Sprintf("unreadable gateway response (status %d)", status),
				StatusCode: status,
			}
		}
	}

	if status < 200 || status >= 300 {
		return nil, c.rejection(status, pushResp.ErrorResponse)
	}

	if pushResp.ResponseCode != "0" {
		message := pushResp.ResponseDescription
		if message == "" {
			message = pushResp.CustomerMessage
		}
		if message == "" {
			message = pushResp.ErrorMessage
		}
		return nil, &RejectionError{
			Code:       pushResp.ResponseCode.String(),
			Message:    message,
			StatusCode: status,
		}
	}

	c.logger.Info("mpesa: stk push accepted",
		"checkout_request_id", pushResp.CheckoutRequestID,
		"merchant_request_id", pushResp.MerchantRequestID)

	return &pushResp, nil
}

// QuerySTKStatus asks the gateway for the outcome of a push. Gateway error
// bodies that carry an errorCode come back as a response, not an error, so
// the caller can interpret codes such as "still processing".
func (c *Client) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*paymentgatewaytypes.STKQueryResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now())
	payload := paymentgatewaytypes.STKQueryRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          Password(c.config.ShortCode, c.config.PassKey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	status, body, err := c.post(ctx, token, stkQueryPath, payload)
	if err != nil {
		return nil, err
	}

	var queryResp paymentgatewaytypes.STKQueryResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &queryResp); err != nil {
			return nil, &RejectionError{
				Message:    fmt.Sprintf("unreadable gateway response (status %d)", status),
				StatusCode: status,
			}
		}
	}

	if (status < 200 || status >= 300) && queryResp.ErrorCode == "" {
		return nil, c.rejection(status, queryResp.ErrorResponse)
	}

	c.logger.Debug("mpesa: stk query answered",
		"checkout_request_id", checkoutRequestID,
		"result_code", queryResp.ResultCode,
		"error_code", queryResp.ErrorCode)

	return &queryResp, nil
}

func (c *Client) post(ctx context.Context, token, path string, payload any) (int, []byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal mpesa request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("mpesa request failed", "path", path, "error", err)
		return 0, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, classifyTransportError(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if cached, ok := c.tokens.(*CachedTokenSource); ok {
			cached.Invalidate()
		}
	}

	return resp.StatusCode, body, nil
}

func (c *Client) rejection(status int, errResp paymentgatewaytypes.ErrorResponse) error {
	message := errResp.ErrorMessage
	if message == "" {
		message = fmt.Sprintf("gateway returned status %d", status)
	}
	c.logger.Warn("mpesa: request rejected",
		"status_code", status,
		"error_code", errResp.ErrorCode,
		"request_id", errResp.RequestID,
		"message", message)
	return &RejectionError{
		Code:       errResp.ErrorCode,
		Message:    message,
		StatusCode: status,
	}
}
