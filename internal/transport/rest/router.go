package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
	"github.com/frahmantamala/storefront-payments/internal/transport/swagger"
)

// Routes collects everything the HTTP surface needs.
type Routes struct {
	DB             Pinger
	PaymentHandler *payment.Handler
	WebhookHandler *payment.WebhookHandler
	Authenticate   func(http.Handler) http.Handler
	Validator      *middleware.RequestValidator
	OpenAPIPath    string
	Logger         *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, routes Routes) {
	healthHandler := NewHealthHandler(transport.NewBaseHandler(routes.Logger), routes.DB)

	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(routes.Logger))
	router.Use(middleware.LoggingMiddleware(routes.Logger))

	openAPIPath := routes.OpenAPIPath
	if openAPIPath == "" {
		openAPIPath = "./api/openapi.yml"
	}
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, openAPIPath)
	})
	router.Handle("/swagger/*", swagger.Handler())

	// The gateway is configured with a bare callback URL, so this one lives
	// outside the versioned prefix.
	if routes.WebhookHandler != nil {
		router.Post("/webhooks/mpesa", routes.WebhookHandler.HandleMpesaCallback)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)
		r.Get("/ping", healthHandler.Ping)

		if routes.WebhookHandler != nil {
			r.Post("/payment/mpesa/callback", routes.WebhookHandler.HandleMpesaCallback)
		}

		if routes.PaymentHandler == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			if routes.Authenticate != nil {
				pr.Use(routes.Authenticate)
			}
			if routes.Validator != nil {
				pr.Use(routes.Validator.Middleware)
			}

			pr.Post("/payment/process", routes.PaymentHandler.ProcessPayment)
			pr.Post("/payment/mpesa/stk-push", routes.PaymentHandler.StkPush)
			pr.Get("/payment/mpesa/status/{checkoutRequestId}", routes.PaymentHandler.MpesaStatus)
			pr.Get("/payment/mpesa/{checkoutRequestId}", routes.PaymentHandler.GetMpesaPayment)
		})
	})
}
