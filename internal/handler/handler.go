// Package handler содержит HTTP-обработчики API шлюза магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Klinti13/klint-market-gateway/internal/catalog"
	"github.com/Klinti13/klint-market-gateway/internal/middleware"
	"github.com/Klinti13/klint-market-gateway/internal/model"
	"github.com/Klinti13/klint-market-gateway/internal/pricing"
	"github.com/Klinti13/klint-market-gateway/internal/service"
	"github.com/Klinti13/klint-market-gateway/internal/upstream"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Products(ctx context.Context, category, query string) ([]model.Product, error)
	Categories(ctx context.Context) ([]string, error)

	Login(ctx context.Context, email, password string) (*model.Session, error)
	Register(ctx context.Context, name, email, password string) error
	VerifyOTP(ctx context.Context, email, otp string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*model.Session, error)
	UpdateProfile(ctx context.Context, sessionID string, p model.ShippingProfile) (*model.Session, error)
	MyOrders(ctx context.Context, sessionID string) ([]model.Order, error)

	Cart(ctx context.Context, cartID string) (model.Cart, model.Quote, error)
	AddToCart(ctx context.Context, cartID string, productID model.ProductID) (model.Cart, error)
	SetCartQuantity(ctx context.Context, cartID string, productID model.ProductID, qty int) (model.Cart, error)
	RemoveFromCart(ctx context.Context, cartID string, productID model.ProductID) (model.Cart, error)
	ApplyPromo(ctx context.Context, cartID, sessionID, code string) (model.Cart, error)
	ToggleVip(ctx context.Context, cartID, sessionID string) (model.Cart, error)

	Checkout(ctx context.Context, cartID, sessionID string, req service.CheckoutRequest) (*model.Confirmation, error)
}

// Handler реализует HTTP-обработчики API шлюза магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(),
	}
}

type errorResponse struct {
	Message   string   `json:"message"`
	Fields    []string `json:"fields,omitempty"`
	Shortfall int64    `json:"shortfall,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Message: message})
}

// respondError переводит ошибки бизнес-логики в HTTP-статусы и JSON-тела.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var validationErr *service.ValidationError
	var apiErr *upstream.APIError

	switch {
	case errors.As(err, &validationErr):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Message: "validation failed",
			Fields:  validationErr.Fields,
		})
	case errors.Is(err, service.ErrAuthRequired):
		h.writeError(w, http.StatusUnauthorized, "authentication required, please login")
	case errors.Is(err, service.ErrEmptyCart):
		h.writeError(w, http.StatusBadRequest, "cart is empty")
	case errors.Is(err, service.ErrCheckoutInFlight):
		h.writeError(w, http.StatusConflict, "checkout already in progress")
	case errors.Is(err, pricing.ErrInvalidCode):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid promo code")
	case errors.Is(err, catalog.ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, "product not found")
	case errors.As(err, &apiErr):
		h.writeError(w, apiErr.Status, apiErr.Message)
	default:
		h.logger.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// decodeAndValidate читает JSON-тело запроса и проверяет его по validate-тегам.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, fe.Field())
			}
			h.writeJSON(w, http.StatusBadRequest, errorResponse{
				Message: "validation failed",
				Fields:  fields,
			})
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type registerRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// Register обрабатывает регистрацию нового покупателя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.Register(r.Context(), req.Name, req.Email, req.Password); err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent to email"})
}

type otpRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required"`
}

// VerifyOTP подтверждает регистрацию одноразовым кодом и открывает сессию.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	sess, err := h.service.VerifyOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.authMiddleware.SetSessionCookie(w, sess.ID)
	h.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	UserID  string                `json:"user_id"`
	Name    string                `json:"name"`
	IsAdmin bool                  `json:"is_admin"`
	Points  int64                 `json:"points"`
	Profile model.ShippingProfile `json:"profile"`
}

func newSessionResponse(sess *model.Session) sessionResponse {
	return sessionResponse{
		UserID:  sess.UserID,
		Name:    sess.Name,
		IsAdmin: sess.IsAdmin,
		Points:  sess.Points,
		Profile: sess.Profile,
	}
}

// Login выполняет аутентификацию покупателя и установку cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	sess, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.authMiddleware.SetSessionCookie(w, sess.ID)
	h.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// Logout завершает сессию и стирает cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := middleware.GetSessionIDFromContext(r.Context())
	if ok {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			h.logger.Error("logout error", zap.Error(err))
		}
	}

	h.authMiddleware.ClearSessionCookie(w)
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type profileRequest struct {
	Address string `json:"address" validate:"required"`
	City    string `json:"city" validate:"required"`
	Phone   string `json:"phone" validate:"required"`
}

// UpdateProfile сохраняет адрес доставки текущего покупателя.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := middleware.GetSessionIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required, please login")
		return
	}

	var req profileRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	sess, err := h.service.UpdateProfile(r.Context(), sessionID, model.ShippingProfile{
		Address: req.Address,
		City:    req.City,
		Phone:   req.Phone,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// GetProducts возвращает каталог с необязательной фильтрацией по категории и подстроке.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	query := r.URL.Query().Get("q")

	products, err := h.service.Products(r.Context(), category, query)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, products)
}

// GetCategories возвращает список категорий каталога в порядке появления.
func (h *Handler) GetCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.Categories(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, categories)
}

type cartResponse struct {
	Items        []model.CartLine `json:"items"`
	Promotion    model.Promotion  `json:"promotion"`
	Count        int              `json:"count"`
	Subtotal     int64            `json:"subtotal"`
	Discount     int64            `json:"discount"`
	Total        int64            `json:"total"`
	PointsEarned int64            `json:"points_earned"`
}

func newCartResponse(c model.Cart, q model.Quote) cartResponse {
	items := c.Lines
	if items == nil {
		items = []model.CartLine{}
	}
	count := 0
	for _, line := range c.Lines {
		count += line.Qty
	}
	return cartResponse{
		Items:        items,
		Promotion:    q.Promotion,
		Count:        count,
		Subtotal:     q.Subtotal,
		Discount:     q.Discount,
		Total:        q.Total,
		PointsEarned: q.PointsEarned,
	}
}

func (h *Handler) writeCart(w http.ResponseWriter, c model.Cart) {
	h.writeJSON(w, http.StatusOK, newCartResponse(c, pricing.QuoteFor(c)))
}

// GetCart возвращает корзину вместе с расчётом итогов.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}

	c, q, err := h.service.Cart(r.Context(), cartID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newCartResponse(c, q))
}

type addItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

// AddCartItem добавляет товар в корзину либо увеличивает его количество.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}

	var req addItemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.AddToCart(r.Context(), cartID, model.ProductID(req.ProductID))
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeCart(w, c)
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

// SetCartItemQuantity задаёт количество позиции; значения меньше единицы игнорируются.
func (h *Handler) SetCartItemQuantity(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}

	productID := model.ProductID(chi.URLParam(r, "id"))

	var req quantityRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.SetCartQuantity(r.Context(), cartID, productID, req.Quantity)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeCart(w, c)
}

// RemoveCartItem удаляет позицию из корзины.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}

	productID := model.ProductID(chi.URLParam(r, "id"))

	c, err := h.service.RemoveFromCart(r.Context(), cartID, productID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeCart(w, c)
}

type promoRequest struct {
	Code string `json:"code" validate:"required"`
}

// ApplyPromo применяет промокод к корзине текущего покупателя.
func (h *Handler) ApplyPromo(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}
	sessionID, _ := middleware.GetSessionIDFromContext(r.Context())

	var req promoRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.ApplyPromo(r.Context(), cartID, sessionID, req.Code)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeCart(w, c)
}

// ToggleVip включает либо выключает VIP-скидку за баллы лояльности.
func (h *Handler) ToggleVip(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}
	sessionID, _ := middleware.GetSessionIDFromContext(r.Context())

	c, err := h.service.ToggleVip(r.Context(), cartID, sessionID)
	if err != nil {
		if errors.Is(err, pricing.ErrNotEnoughPoints) {
			h.writeNotEnoughPoints(w, r.Context(), sessionID)
			return
		}
		h.respondError(w, err)
		return
	}

	h.writeCart(w, c)
}

// writeNotEnoughPoints отвечает 409 с недостающим до VIP-порога числом баллов.
func (h *Handler) writeNotEnoughPoints(w http.ResponseWriter, ctx context.Context, sessionID string) {
	h.writeJSON(w, http.StatusConflict, errorResponse{
		Message:   "not enough loyalty points for VIP discount",
		Shortfall: h.vipShortfall(ctx, sessionID),
	})
}

// vipShortfall считает, сколько баллов не хватает до VIP-порога.
func (h *Handler) vipShortfall(ctx context.Context, sessionID string) int64 {
	sess, err := h.service.Session(ctx, sessionID)
	if err != nil {
		return pricing.VipPointsRequired
	}
	return pricing.Shortfall(sess.Points)
}

type checkoutRequest struct {
	Address string `json:"address" validate:"required"`
	City    string `json:"city" validate:"required"`
	Phone   string `json:"phone" validate:"required"`
}

// Checkout оформляет заказ из текущей корзины.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	cartID, ok := middleware.GetCartIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusBadRequest, "cart cookie is missing")
		return
	}
	sessionID, _ := middleware.GetSessionIDFromContext(r.Context())

	var req checkoutRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	conf, err := h.service.Checkout(r.Context(), cartID, sessionID, service.CheckoutRequest{
		Address: req.Address,
		City:    req.City,
		Phone:   req.Phone,
	})
	if err != nil {
		// VIP-флаг в корзине мог устареть относительно баланса баллов.
		if errors.Is(err, pricing.ErrNotEnoughPoints) {
			h.writeNotEnoughPoints(w, r.Context(), sessionID)
			return
		}
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, conf)
}

// MyOrders возвращает историю заказов текущего покупателя.
func (h *Handler) MyOrders(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := middleware.GetSessionIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required, please login")
		return
	}

	orders, err := h.service.MyOrders(r.Context(), sessionID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if orders == nil {
		orders = []model.Order{}
	}
	h.writeJSON(w, http.StatusOK, orders)
}
