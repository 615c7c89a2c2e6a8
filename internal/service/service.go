// Package service реализует бизнес-логику шлюза klint-market.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Klinti13/klint-market-gateway/internal/cart"
	"github.com/Klinti13/klint-market-gateway/internal/catalog"
	"github.com/Klinti13/klint-market-gateway/internal/model"
	"github.com/Klinti13/klint-market-gateway/internal/pricing"
	"github.com/Klinti13/klint-market-gateway/internal/storage"
	"github.com/Klinti13/klint-market-gateway/internal/upstream"
)

// ErrAuthRequired возвращается, когда операция требует входа в систему.
// Это не ошибка в строгом смысле: обработчик в ответ предлагает авторизацию.
var (
	ErrAuthRequired = errors.New("authentication required")
	// ErrEmptyCart возвращается при оформлении заказа с пустой корзиной.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCheckoutInFlight возвращается при повторном оформлении, пока первое не завершилось.
	ErrCheckoutInFlight = errors.New("checkout already in progress")
)

// ValidationError перечисляет незаполненные поля доставки.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "required fields are empty: " + strings.Join(e.Fields, ", ")
}

// Storage описывает контракт блоб-хранилища, используемый сервисом.
type Storage interface {
	Close() error
	SaveBlob(ctx context.Context, scope, key string, data []byte) error
	LoadBlob(ctx context.Context, scope, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, scope, key string) error
}

// MarketAPI описывает контракт клиента внешнего API магазина.
type MarketAPI interface {
	Login(ctx context.Context, email, password string) (*upstream.Credentials, error)
	Register(ctx context.Context, name, email, password string) error
	VerifyOTP(ctx context.Context, email, otp string) (*upstream.Credentials, error)
	UpdateProfile(ctx context.Context, token string, p model.ShippingProfile) (model.ShippingProfile, error)
	CreateOrder(ctx context.Context, token string, order upstream.OrderRequest) (*upstream.OrderResult, error)
	MyOrders(ctx context.Context, token string) ([]model.Order, error)
}

// Service содержит бизнес-логику шлюза: сессии, корзины и оформление заказов.
type Service struct {
	storage Storage
	api     MarketAPI
	catalog *catalog.Cache
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool // корзины, по которым оформление уже выполняется
}

// NewService создаёт сервис с указанным хранилищем, клиентом внешнего API
// и кэшем каталога.
func NewService(st Storage, api MarketAPI, cat *catalog.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		storage:  st,
		api:      api,
		catalog:  cat,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.storage != nil {
		return s.storage.Close()
	}
	return nil
}

// StartCatalogRefresh запускает фоновое обновление снимка каталога.
func (s *Service) StartCatalogRefresh(ctx context.Context, interval time.Duration) {
	if s.catalog == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		if err := s.catalog.Refresh(ctx); err != nil {
			s.logger.Warn("initial catalog refresh failed", zap.Error(err))
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.catalog.Refresh(ctx); err != nil {
					s.logger.Warn("catalog refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Products возвращает каталог с фильтрами по категории и строке поиска.
func (s *Service) Products(ctx context.Context, category, query string) ([]model.Product, error) {
	return s.catalog.Filter(ctx, category, query)
}

// Categories возвращает список категорий каталога.
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	return s.catalog.Categories(ctx)
}

// --- Сессии ---

func (s *Service) newSession(ctx context.Context, creds *upstream.Credentials) (*model.Session, error) {
	sess := &model.Session{
		ID:        uuid.NewString(),
		UserID:    creds.UserID,
		Name:      creds.Name,
		Token:     creds.Token,
		IsAdmin:   creds.IsAdmin,
		Points:    creds.Points,
		Profile:   creds.Profile,
		CreatedAt: time.Now(),
	}
	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) saveSession(ctx context.Context, sess *model.Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.storage.SaveBlob(ctx, storage.ScopeSession, sess.ID, data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Session возвращает сессию по идентификатору. Отсутствующая или
// повреждённая сессия равносильна разлогиненному пользователю.
func (s *Service) Session(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, ErrAuthRequired
	}

	data, err := s.storage.LoadBlob(ctx, storage.ScopeSession, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAuthRequired
		}
		return nil, err
	}

	sess, ok := decodeSession(data)
	if !ok || sess.Token == "" {
		return nil, ErrAuthRequired
	}
	return sess, nil
}

// dropSession удаляет сессию после отклонённого внешним API токена,
// чтобы не оставлять клиента в ложно-авторизованном состоянии.
func (s *Service) dropSession(ctx context.Context, sessionID string) {
	if err := s.storage.DeleteBlob(ctx, storage.ScopeSession, sessionID); err != nil {
		s.logger.Warn("drop session failed", zap.Error(err), zap.String("sessionID", sessionID))
	}
}

// authError переводит отказ внешнего API в ErrAuthRequired, попутно
// удаляя устаревшую сессию.
func (s *Service) authError(ctx context.Context, sessionID string, err error) error {
	if errors.Is(err, upstream.ErrUnauthorized) {
		s.dropSession(ctx, sessionID)
		return ErrAuthRequired
	}
	return err
}

// Login выполняет вход и создаёт новую сессию.
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	creds, err := s.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.newSession(ctx, creds)
}

// Register передаёт регистрацию внешнему API. Сессия появится после
// подтверждения одноразовым кодом.
func (s *Service) Register(ctx context.Context, name, email, password string) error {
	return s.api.Register(ctx, name, email, password)
}

// VerifyOTP подтверждает регистрацию и создаёт новую сессию.
func (s *Service) VerifyOTP(ctx context.Context, email, otp string) (*model.Session, error) {
	creds, err := s.api.VerifyOTP(ctx, email, otp)
	if err != nil {
		return nil, err
	}
	return s.newSession(ctx, creds)
}

// Logout удаляет сессию из хранилища, возвращая клиента к анонимному состоянию.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.storage.DeleteBlob(ctx, storage.ScopeSession, sessionID)
}

// UpdateProfile сохраняет данные доставки во внешнем API и в сессии.
func (s *Service) UpdateProfile(ctx context.Context, sessionID string, p model.ShippingProfile) (*model.Session, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	updated, err := s.api.UpdateProfile(ctx, sess.Token, p)
	if err != nil {
		return nil, s.authError(ctx, sessionID, err)
	}

	sess.Profile = updated
	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// MyOrders возвращает историю заказов пользователя из внешнего API.
func (s *Service) MyOrders(ctx context.Context, sessionID string) ([]model.Order, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	orders, err := s.api.MyOrders(ctx, sess.Token)
	if err != nil {
		return nil, s.authError(ctx, sessionID, err)
	}
	return orders, nil
}

// --- Корзина ---

func (s *Service) loadCart(ctx context.Context, cartID string) (model.Cart, error) {
	data, err := s.storage.LoadBlob(ctx, storage.ScopeCart, cartID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return cart.Decode(nil), nil
		}
		return model.Cart{}, err
	}
	return cart.Decode(data), nil
}

// saveCart сериализует корзину целиком после каждой мутации.
func (s *Service) saveCart(ctx context.Context, cartID string, c model.Cart) error {
	data, err := cart.Encode(c)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := s.storage.SaveBlob(ctx, storage.ScopeCart, cartID, data); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

// Cart возвращает корзину вместе с расчётом стоимости.
func (s *Service) Cart(ctx context.Context, cartID string) (model.Cart, model.Quote, error) {
	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return model.Cart{}, model.Quote{}, err
	}
	return c, pricing.QuoteFor(c), nil
}

// AddToCart добавляет товар каталога в корзину.
func (s *Service) AddToCart(ctx context.Context, cartID string, productID model.ProductID) (model.Cart, error) {
	p, err := s.catalog.Find(ctx, productID)
	if err != nil {
		return model.Cart{}, err
	}

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return model.Cart{}, err
	}

	cart.Add(&c, p)
	if err := s.saveCart(ctx, cartID, c); err != nil {
		return model.Cart{}, err
	}
	return c, nil
}

// SetCartQuantity заменяет количество в позиции корзины. Значения меньше 1
// молча игнорируются.
func (s *Service) SetCartQuantity(ctx context.Context, cartID string, productID model.ProductID, qty int) (model.Cart, error) {
	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return model.Cart{}, err
	}

	cart.SetQuantity(&c, productID, qty)
	if err := s.saveCart(ctx, cartID, c); err != nil {
		return model.Cart{}, err
	}
	return c, nil
}

// RemoveFromCart удаляет позицию из корзины.
func (s *Service) RemoveFromCart(ctx context.Context, cartID string, productID model.ProductID) (model.Cart, error) {
	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return model.Cart{}, err
	}

	cart.Remove(&c, productID)
	if err := s.saveCart(ctx, cartID, c); err != nil {
		return model.Cart{}, err
	}
	return c, nil
}

// ApplyPromo применяет промокод к корзине. Требует входа в систему.
// Неверный код сбрасывает скидку и сохраняется именно в таком виде:
// каждая попытка вычисляет состояние заново.
func (s *Service) ApplyPromo(ctx context.Context, cartID, sessionID, code string) (model.Cart, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return model.Cart{}, err
	}

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return model.Cart{}, err
	}

	promo, applyErr := pricing.ApplyCode(code)
	c.Promotion = promo
	if err := s.saveCart(ctx, cartID, c); err != nil {
		return model.Cart{}, err
	}
	return c, applyErr
}

// ToggleVip переключает VIP-списание баллов для корзины. Требует входа
// и баланса не меньше порога. Баллы при переключении не списываются.
func (s *Service) ToggleVip(ctx context.Context, cartID, sessionID string) (model.Cart, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return model.Cart{}, err
	}

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return model.Cart{}, err
	}

	promo, err := pricing.ToggleVip(c.Promotion, sess.Points)
	if err != nil {
		return c, err
	}

	c.Promotion = promo
	if err := s.saveCart(ctx, cartID, c); err != nil {
		return model.Cart{}, err
	}
	return c, nil
}
