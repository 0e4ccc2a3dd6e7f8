/**
 * @description
 * HTTP router setup for the payment-intent-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the intent, internal and
// admin routes.
func NewRouter(h *Handler, auth AuthConfig, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payment intent service is healthy"))
	})

	r.Route("/intents", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(auth))
		r.Post("/", h.handleCreateIntent)
		r.Post("/preview", h.handlePreview)
		r.Post("/execute-permit", h.handleCreateAndExecute)
		r.Get("/refunds/pending-balance", h.handlePendingBalance)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetIntent)
			r.Get("/signature", h.handleGetSignature)
			r.Post("/signature", h.handleSubmitSignature)
			r.Post("/execute", h.handleExecute)
			r.Post("/execute-permit", h.handleExecuteWithPermit)
			r.Post("/can-execute", h.handleCanExecute)
			r.Post("/refund", h.handleRequestRefund)
			r.Get("/refund", h.handleGetRefund)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/intents/{id}/outcome", h.handleReportOutcome)
		r.Post("/refunds/{id}/payout", h.handlePayoutRefund)
		r.Get("/reserve", h.handleReserveBalance)
		r.Post("/reserve/credit", h.handleCreditReserve)
		r.Get("/signers", h.handleListSigners)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(auth))
		r.Get("/signers", h.handleListSigners)
		r.Post("/signers", h.handleAddSigner)
		r.Delete("/signers/{address}", h.handleRemoveSigner)
	})

	return r
}
