package payment

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

const (
	maxCallbackBodyBytes = 1 << 20

	WebhookSecretHeader = "X-Webhook-Secret"
	webhookSecretQuery  = "token"
)

// CallbackVerifier checks the optional shared secret and source allowlist.
// A zero value accepts everything.
type CallbackVerifier struct {
	secret  string
	allowed []*net.IPNet
}

func NewCallbackVerifier(secret string, allowedIPs []string) (*CallbackVerifier, error) {
	v := &CallbackVerifier{secret: secret}
	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid webhook allowlist entry %q", entry)
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook allowlist entry %q: %w", entry, err)
		}
		v.allowed = append(v.allowed, ipNet)
	}
	return v, nil
}

func (v *CallbackVerifier) Verify(r *http.Request) bool {
	if v == nil {
		return true
	}

	if v.secret != "" {
		provided := r.Header.Get(WebhookSecretHeader)
		if provided == "" {
			provided = r.URL.Query().Get(webhookSecretQuery)
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(v.secret)) != 1 {
			return false
		}
	}

	if len(v.allowed) > 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		for _, ipNet := range v.allowed {
			if ipNet.Contains(ip) {
				return true
			}
		}
		return false
	}

	return true
}

type WebhookHandler struct {
	*transport.BaseHandler
	paymentService ServiceAPI
	verifier       *CallbackVerifier
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, paymentService ServiceAPI, verifier *CallbackVerifier) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:    baseHandler,
		paymentService: paymentService,
		verifier:       verifier,
	}
}

// HandleMpesaCallback handles POST /webhooks/mpesa. The gateway retries on
// anything but a 200, so every request is acknowledged, including ones that
// could not be applied.
func (h *WebhookHandler) HandleMpesaCallback(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.Logger.Error("HandleMpesaCallback: panic while processing callback", "panic", rec)
			h.WriteJSON(w, http.StatusOK, paymentgatewaytypes.SuccessAck())
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		h.Logger.Warn("HandleMpesaCallback: failed to read body", "error", err)
	}

	source := CallbackSource{
		RemoteAddr: r.RemoteAddr,
		Verified:   h.verifier.Verify(r),
	}

	outcome := h.paymentService.HandleCallback(r.Context(), body, source)

	h.Logger.Info("HandleMpesaCallback: callback acknowledged",
		"outcome", outcome,
		"remote_addr", r.RemoteAddr)

	h.WriteJSON(w, http.StatusOK, paymentgatewaytypes.SuccessAck())
}
