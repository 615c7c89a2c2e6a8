package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Klinti13/klint-market-gateway/internal/cart"
	"github.com/Klinti13/klint-market-gateway/internal/model"
	"github.com/Klinti13/klint-market-gateway/internal/pricing"
	"github.com/Klinti13/klint-market-gateway/internal/upstream"
)

// CheckoutRequest — данные доставки одной попытки оформления заказа.
type CheckoutRequest struct {
	Address string
	City    string
	Phone   string
}

// tryAcquire помечает корзину как оформляемую. Возвращает false, если
// оформление по этой корзине уже идёт.
func (s *Service) tryAcquire(cartID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[cartID] {
		return false
	}
	s.inFlight[cartID] = true
	return true
}

func (s *Service) release(cartID string) {
	s.mu.Lock()
	delete(s.inFlight, cartID)
	s.mu.Unlock()
}

// Checkout оформляет заказ: проверяет сессию, корзину и поля доставки,
// отправляет заказ во внешний API ровно один раз и согласует локальное
// состояние с его ответом. Параллельная попытка по той же корзине
// отклоняется, а не ставится в очередь. При сбое отправки корзина и
// введённые данные сохраняются, автоматических повторов нет.
func (s *Service) Checkout(ctx context.Context, cartID, sessionID string, req CheckoutRequest) (*model.Confirmation, error) {
	if !s.tryAcquire(cartID) {
		return nil, ErrCheckoutInFlight
	}
	defer s.release(cartID)

	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if len(c.Lines) == 0 {
		return nil, ErrEmptyCart
	}

	var missing []string
	if req.Address == "" {
		missing = append(missing, "address")
	}
	if req.Phone == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	// VIP-флаг мог пережить снижение баланса: перепроверяем перед отправкой.
	useVip := c.Promotion.Kind == model.PromotionVip
	if useVip && sess.Points < pricing.VipPointsRequired {
		return nil, pricing.ErrNotEnoughPoints
	}

	quote := pricing.QuoteFor(c)

	items := make([]model.OrderItem, 0, len(c.Lines))
	for _, l := range c.Lines {
		items = append(items, model.OrderItem{
			ProductID: l.Product.ID,
			Name:      l.Product.Name,
			Price:     l.Product.Price,
			Qty:       l.Qty,
			Image:     l.Product.Image,
		})
	}

	shipping := model.ShippingProfile{
		Address: req.Address,
		City:    req.City,
		Phone:   req.Phone,
	}

	order := upstream.OrderRequest{
		IdempotencyKey:  uuid.NewString(),
		OrderItems:      items,
		ShippingAddress: shipping,
		TotalPrice:      quote.Total,
		UseVipPoints:    useVip,
	}

	result, err := s.api.CreateOrder(ctx, sess.Token, order)
	if err != nil {
		return nil, s.authError(ctx, sessionID, err)
	}

	// Заказ принят: сервер авторитетен по балансу, локальный прогноз
	// замещается его значением.
	sess.Points = result.Points
	if err := s.saveSession(ctx, sess); err != nil {
		s.logger.Error("save session after checkout failed",
			zap.Error(err), zap.String("orderID", result.ID))
	}

	cart.Clear(&c)
	if err := s.saveCart(ctx, cartID, c); err != nil {
		s.logger.Error("clear cart after checkout failed",
			zap.Error(err), zap.String("orderID", result.ID))
	}

	s.syncProfile(ctx, sessionID, sess, shipping)

	var pointsSpent int64
	if useVip {
		pointsSpent = pricing.VipPointsCost
	}

	return &model.Confirmation{
		OrderID:      result.ID,
		Total:        quote.Total,
		PointsEarned: pricing.PointsEarned(quote.Total),
		PointsSpent:  pointsSpent,
		Points:       result.Points,
	}, nil
}

// syncProfile сохраняет адрес доставки в профиле, если он отличается от
// сохранённого. Вызов вторичен: его сбой логируется и никак не влияет на
// уже оформленный заказ.
func (s *Service) syncProfile(ctx context.Context, sessionID string, sess *model.Session, shipping model.ShippingProfile) {
	if sess.Profile == shipping {
		return
	}

	updated, err := s.api.UpdateProfile(ctx, sess.Token, shipping)
	if err != nil {
		s.logger.Warn("profile sync after checkout failed", zap.Error(err))
		return
	}

	sess.Profile = updated
	if err := s.saveSession(ctx, sess); err != nil {
		s.logger.Warn("save session after profile sync failed", zap.Error(err))
	}
}
