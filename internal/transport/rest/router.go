package rest

import (
	"log/slog"

	"github.com/go-chi/chi"

	"github.com/kimenyu/mpesa-bridge/internal/payment"
	"github.com/kimenyu/mpesa-bridge/internal/transport/middleware"
)

// RegisterAllRoutes wires the public surface: the initiation API, the
// provider callback webhook and health probes.
func RegisterAllRoutes(router *chi.Mux, store Pinger, storeName string, paymentHandler *payment.Handler, webhookHandler *payment.WebhookHandler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(store, storeName)

	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	// Provider webhook outside the API prefix: the callback URL registered
	// with the provider is path-stable.
	if webhookHandler != nil {
		router.Post("/mpesa/callback", webhookHandler.HandleCallback)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if paymentHandler != nil {
			r.Post("/payments/initiate", paymentHandler.InitiatePayment)
		}
	})
}
