package router

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	hrest "custody-service/internal/handler/rest"
)

func SetupRoutes(r chi.Router, h *hrest.CustodyRestHandler) chi.Router {
	// ---- Global Middleware ----
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false, // must be false when using "*"
		MaxAge:           300,
	}))

	r.Route("/custody", func(r chi.Router) {
		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.CreateWithdrawal)
			r.Get("/", h.ListWithdrawals)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetWithdrawal)
				r.Get("/status", h.GetWithdrawalStatus)
				r.Get("/compliance", h.GetComplianceHistory)
				r.Get("/audit", h.GetAuditTrail)

				r.Post("/submit", h.SubmitDraft)
				r.Post("/approve", h.Approve)
				r.Post("/reject", h.Reject)
				r.Post("/cancel", h.Cancel)
				r.Post("/stop", h.Stop)
				r.Post("/disposition", h.Disposition)
				r.Post("/screen", h.Screen)
				r.Post("/reapply", h.Reapply)
				r.Post("/archive", h.Archive)
			})
		})

		r.Route("/vaults", func(r chi.Router) {
			r.Get("/", h.ListVaults)
			r.Post("/rebalancings", h.CreateRebalancing)
			r.Get("/rebalancings", h.ListRebalancings)
			r.Get("/rebalancings/{id}", h.GetRebalancing)
		})

		r.Get("/audit", h.QueryAudit)
	})

	return r
}
