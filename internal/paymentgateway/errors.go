package paymentgateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTokenUnavailable means no access token could be obtained.
	ErrTokenUnavailable = errors.New("mpesa access token unavailable")
	ErrNetwork          = errors.New("mpesa gateway unreachable")
	ErrTimeout          = errors.New("mpesa gateway timed out")
)

// RejectionError is returned when the gateway answered but refused the request.
// Message is the gateway's own text.
type RejectionError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa rejected request (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa rejected request: %s", e.Message)
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
