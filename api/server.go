/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/documents/*        Trade documents (create, approve, cancel)
  /api/stock/*            Inventory summaries and lot detail
  /api/accounts/*         Container accounts, deposits, exposure
  /api/receipts/*         Deposit receipt settlement
  /api/container-types/*  Container catalog
  /api/scenarios/*        Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Document routes
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Post("/", h.CreateDocument)
			r.Get("/{id}", h.GetDocument)
			r.Put("/{id}/lines", h.EditDocument)
			r.Post("/{id}/approve", h.ApproveDocument)
			r.Post("/{id}/cancel", h.CancelDocument)
		})

		// Stock routes
		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.GetStockSummary)
			r.Get("/{productID}/lots", h.GetLotDetail)
		})

		// Account routes: containers, deposits, risk
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/containers", h.ListContainerAccounts)
			r.Get("/containers/{type}", h.GetContainerAccount)
			r.Get("/movements", h.GetMovementHistory)
			r.Get("/receipts", h.ListReceipts)
			r.Post("/deposits/charge", h.ChargeDeposit)
			r.Post("/deposits/refund", h.RefundDeposit)
			r.Get("/exposure", h.CheckExposure)
			r.Put("/limit", h.SetLimit)
		})

		// Receipt routes
		r.Route("/receipts", func(r chi.Router) {
			r.Post("/{id}/settle", h.SettleReceipt)
		})

		// Container type routes
		r.Route("/container-types", func(r chi.Router) {
			r.Get("/", h.ListContainerTypes)
			r.Put("/{id}/price", h.SetDepositPrice)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Market Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Market Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/documents">/api/documents</a> - List documents</li>
<li><a href="/api/stock">/api/stock</a> - Stock summary</li>
<li><a href="/api/container-types">/api/container-types</a> - Container catalog</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
