package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/Klinti13/klint-market-gateway/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware шлюза магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/users", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Optional)
			r.Post("/logout", h.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Put("/profile", h.UpdateProfile)
		})
	})

	r.Get("/api/products", h.GetProducts)
	r.Get("/api/categories", h.GetCategories)

	r.Route("/api/cart", func(r chi.Router) {
		r.Use(h.authMiddleware.CartCookie)
		r.Use(h.authMiddleware.Optional)

		r.Get("/", h.GetCart)
		r.Post("/items", h.AddCartItem)
		r.Put("/items/{id}", h.SetCartItemQuantity)
		r.Delete("/items/{id}", h.RemoveCartItem)
		r.Post("/promo", h.ApplyPromo)
		r.Post("/vip", h.ToggleVip)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.CartCookie)
		r.Use(h.authMiddleware.Optional)
		r.Post("/api/checkout", h.Checkout)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Get("/api/orders/myorders", h.MyOrders)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
