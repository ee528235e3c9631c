package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/foodbot/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics(h.metrics))

	r.Get("/health", h.Health)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.With(h.authMiddleware.TrustedCaller).Post("/users", h.Register)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/users/me", h.GetProfile)

			r.Post("/basket/items", h.AddItem)
			r.Get("/basket", h.GetBasket)
			r.Delete("/basket", h.ClearBasket)

			r.Post("/checkout", h.Checkout)

			r.Get("/wallet", h.GetWallet)
			r.Post("/wallet/topup", h.TopUp)

			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
